// Package syscall is the kernel's system call layer: the call numbers,
// the dispatcher that decodes raw register arguments and the marshalling
// of ABI structures to and from user memory.
package syscall

import "fmt"

// Number is a system call number.
type Number uintptr

// System call numbers follow the RISC-V generic table.
const (
	SysOpenat        Number = 56
	SysClose         Number = 57
	SysLseek         Number = 62
	SysRead          Number = 63
	SysWrite         Number = 64
	SysExit          Number = 93
	SysExitGroup     Number = 94
	SysSetTidAddress Number = 96
	SysFutex         Number = 98
	SysSetRobustList Number = 99
	SysGetRobustList Number = 100
	SysNanosleep     Number = 101
	SysGetitimer     Number = 102
	SysSetitimer     Number = 103
	SysClockGettime  Number = 113
	SysSyslog        Number = 116
	SysSchedYield    Number = 124
	SysKill          Number = 129
	SysTkill         Number = 130
	SysSigaction     Number = 134
	SysSigprocmask   Number = 135
	SysSigtimedwait  Number = 137
	SysSigreturn     Number = 139
	SysTimes         Number = 153
	SysSetpgid       Number = 154
	SysGetpgid       Number = 155
	SysUname         Number = 160
	SysGetrusage     Number = 165
	SysGettimeofday  Number = 169
	SysGetpid        Number = 172
	SysGetppid       Number = 173
	SysGetuid        Number = 174
	SysGeteuid       Number = 175
	SysGetgid        Number = 176
	SysGetegid       Number = 177
	SysGettid        Number = 178
	SysSysinfo       Number = 179
	SysSbrk          Number = 213
	SysBrk           Number = 214
	SysMunmap        Number = 215
	SysClone         Number = 220
	SysExecve        Number = 221
	SysMmap          Number = 222
	SysMprotect      Number = 226
	SysWait4         Number = 260
	SysPrlimit       Number = 261
	SysGetrandom     Number = 278
	SysMembarrier    Number = 283
	SysShutdown      Number = 501
	SysPrintTCB      Number = 1691
)

var names = map[Number]string{
	SysOpenat:        "openat",
	SysClose:         "close",
	SysLseek:         "lseek",
	SysRead:          "read",
	SysWrite:         "write",
	SysExit:          "exit",
	SysExitGroup:     "exit_group",
	SysSetTidAddress: "set_tid_address",
	SysFutex:         "futex",
	SysSetRobustList: "set_robust_list",
	SysGetRobustList: "get_robust_list",
	SysNanosleep:     "nanosleep",
	SysGetitimer:     "getitimer",
	SysSetitimer:     "setitimer",
	SysClockGettime:  "clock_gettime",
	SysSyslog:        "syslog",
	SysSchedYield:    "sched_yield",
	SysKill:          "kill",
	SysTkill:         "tkill",
	SysSigaction:     "rt_sigaction",
	SysSigprocmask:   "rt_sigprocmask",
	SysSigtimedwait:  "rt_sigtimedwait",
	SysSigreturn:     "rt_sigreturn",
	SysTimes:         "times",
	SysSetpgid:       "setpgid",
	SysGetpgid:       "getpgid",
	SysUname:         "uname",
	SysGetrusage:     "getrusage",
	SysGettimeofday:  "gettimeofday",
	SysGetpid:        "getpid",
	SysGetppid:       "getppid",
	SysGetuid:        "getuid",
	SysGeteuid:       "geteuid",
	SysGetgid:        "getgid",
	SysGetegid:       "getegid",
	SysGettid:        "gettid",
	SysSysinfo:       "sysinfo",
	SysSbrk:          "sbrk",
	SysBrk:           "brk",
	SysMunmap:        "munmap",
	SysClone:         "clone",
	SysExecve:        "execve",
	SysMmap:          "mmap",
	SysMprotect:      "mprotect",
	SysWait4:         "wait4",
	SysPrlimit:       "prlimit64",
	SysGetrandom:     "getrandom",
	SysMembarrier:    "membarrier",
	SysShutdown:      "shutdown",
	SysPrintTCB:      "print_tcb",
}

func (n Number) String() string {
	if name, ok := names[n]; ok {
		return name
	}
	return fmt.Sprintf("syscall_%d", uintptr(n))
}
