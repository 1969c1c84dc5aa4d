package namespace_service

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine wraps exactly one of them.
var (
	ErrNode             = errors.New("node error")
	ErrLock             = errors.New("lock error")
	ErrHandle           = errors.New("handle error")
	ErrACL              = errors.New("acl error")
	ErrCannotRemoveHeld = errors.New("cannot remove a node held by another client")
	ErrObserver         = errors.New("observer error")
)

var (
	ErrNodeNotFound  = fmt.Errorf("%w: node not found", ErrNode)
	ErrIllegalPath   = fmt.Errorf("%w: illegal path", ErrNode)
	ErrDefaultNode   = fmt.Errorf("%w: default nodes cannot be created or removed", ErrNode)
	ErrNotFile       = fmt.Errorf("%w: only file nodes hold content", ErrNode)
	ErrHasChildren   = fmt.Errorf("%w: node still has children", ErrNode)
	ErrAlreadyLocked = fmt.Errorf("%w: node is already locked", ErrLock)
	ErrDefaultLock   = fmt.Errorf("%w: default nodes cannot be locked exclusively", ErrLock)
	ErrNotLocked     = fmt.Errorf("%w: no lock to release", ErrLock)
	ErrRootUnlock    = fmt.Errorf("%w: the root handle cannot be released", ErrLock)

	ErrWrongHandleType   = fmt.Errorf("%w: wrong handle type held", ErrHandle)
	ErrUnknownHandleType = fmt.Errorf("%w: unknown handle type", ErrHandle)

	ErrACLNameTaken   = fmt.Errorf("%w: acl name already in use", ErrACL)
	ErrACLFileMissing = fmt.Errorf("%w: acl file does not exist", ErrACL)
	ErrDefaultACL     = fmt.Errorf("%w: default acl files cannot be modified", ErrACL)
	ErrIllegalACLName = fmt.Errorf("%w: illegal acl name", ErrACL)
	ErrNoUsernames    = fmt.Errorf("%w: at least one username is required", ErrACL)
)
