package defs

// kernel error values. syscalls and op completions return these negated;
// 0 is success. numbering follows the unix convention.
const (
	EPERM     Err_t = 1 // ungranted cross-task access, privileged op
	ENOENT    Err_t = 2 // path or registration not found
	EINTR     Err_t = 4
	EIO       Err_t = 5
	EBADF     Err_t = 9 // closed or unknown handle
	EAGAIN    Err_t = 11
	ENOMEM    Err_t = 12 // task table, handle table, or memory full
	EFAULT    Err_t = 14 // sandbox executed an unemulated instruction
	EBUSY     Err_t = 16
	EEXIST    Err_t = 17 // mapping overlap
	EINVAL    Err_t = 22
	ENOSPC    Err_t = 28
	EPIPE     Err_t = 32
	ENOSYS    Err_t = 38
	ETIMEDOUT Err_t = 110
	ECANCELED Err_t = 125 // op completed due to handle closure
	ENODRIVER Err_t = 126 // backing driver terminated before completion
)

type Err_t int
