package defs

// Tid_t identifies a task slot in the global task arena. Tid 0 is never a
// valid task; cross-task references that resolve to 0 mean "not found".
type Tid_t int

// Handle_t is an opaque reference into a task's handle table.
type Handle_t uint32

// Wsid_t identifies a wake set owned by a task.
type Wsid_t uint32

const NOHANDLE Handle_t = 0

// async op codes. the low 16 bits select the operation; the high bits are
// reserved for backend type flags (kept for ABI compatibility with the
// original layout, unused by the kernel itself).
const (
	OP_OPEN  uint32 = 1
	OP_READ  uint32 = 2
	OP_WRITE uint32 = 3
	OP_CLOSE uint32 = 4
	OP_STAT  uint32 = 5
	OP_SHARE uint32 = 6
	OP_IOCTL uint32 = 7
)

const (
	OPFLAG_FILE uint32 = 0x80000000
	OPFLAG_TASK uint32 = 0x40000000
	OPFLAG_INT  uint32 = 0x20000000
	OPFLAG_MSG  uint32 = 0x10000000
)

// a completed op encodes failure by setting the high bit of its return
// value; the low 31 bits carry the errno. synchronous submission rejection
// is the distinguished all-ones word and never collides with either.
const (
	OPERR_FLAG    uint32 = 0x80000000
	SUBMIT_REJECT uint32 = 0xffffffff
)

// Opret encodes an op completion return value.
func Opret(v uint32, err Err_t) uint32 {
	if err != 0 {
		return OPERR_FLAG | (uint32(-err) & 0x7fffffff)
	}
	return v & 0x7fffffff
}

// Opreterr decodes a completion value back into (value, errno).
func Opreterr(rv uint32) (uint32, Err_t) {
	if rv&OPERR_FLAG != 0 {
		return 0, -Err_t(rv & 0x7fffffff)
	}
	return rv, 0
}

// syscall numbers. invoked through a software-interrupt gate with four
// register arguments and one register result.
const (
	SYS_EXIT     = 0x00
	SYS_YIELD    = 0x01
	SYS_SLEEP    = 0x02
	SYS_GETID    = 0x03
	SYS_GETPID   = 0x04
	SYS_SUBMITIO = 0x10
	SYS_SENDMSG  = 0x11
	SYS_FUTWAIT  = 0x13
	SYS_FUTWAKE  = 0x14
	SYS_MKWSET   = 0x15
	SYS_BLOCKWS  = 0x16
	SYS_WSADD    = 0x17
	SYS_WSDEL    = 0x18
	SYS_CREATE   = 0x20
	SYS_OPENMSGQ = 0x21
	SYS_OPENIRQ  = 0x22
	SYS_OPENFILE = 0x23
	SYS_MKPIPE   = 0x24
	SYS_REGDRV   = 0x25
	SYS_XFER     = 0x2a
	SYS_DUP      = 0x2b
	SYS_MAPMEM   = 0x30
	SYS_MAPFILE  = 0x31 // reserved: no filesystem yet, file io rides driver handles
)

// driver protocol message types, sent by the arbiter to driver tasks and
// echoed back in replies. the reply carries the same request id.
const (
	DRV_OPEN  uint32 = 1
	DRV_READ  uint32 = 2
	DRV_WRITE uint32 = 3
	DRV_CLOSE uint32 = 4
	DRV_STAT  uint32 = 5
	DRV_IOCTL uint32 = 6
	DRV_INT   uint32 = 7 // a sandboxed program invoked the driver's hooked vector
	DRV_REPLY uint32 = 0x80
)

// DOS API (INT 21h) method numbers handled by the VM86 monitor.
const (
	DOS_TERMINATE = 0x00
	DOS_CHAROUT   = 0x02
	DOS_PRINTSTR  = 0x09
	DOS_VERSION   = 0x30
	DOS_MKFILE    = 0x3c
	DOS_OPEN      = 0x3d
	DOS_CLOSE     = 0x3e
	DOS_READ      = 0x3f
	DOS_WRITE     = 0x40
	DOS_IOCTL     = 0x44
	DOS_ALLOCMCB  = 0x48
	DOS_FREEMCB   = 0x49
	DOS_RESIZEMCB = 0x4a
	DOS_EXIT      = 0x4c
	DOS_LEADBYTE  = 0x63
)
