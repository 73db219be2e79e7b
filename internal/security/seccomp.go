package security

import "encoding/json"

// baseSyscalls is the allowlist shared by every language runtime. It
// covers file I/O, memory management, scheduling, signals, and the
// minimal process control an interpreter or compiler needs.
var baseSyscalls = []string{
	"accept", "accept4", "access", "arch_prctl", "bind", "brk",
	"capget", "capset", "chdir", "chmod", "chown", "clock_getres",
	"clock_gettime", "clock_nanosleep", "clone", "clone3", "close",
	"close_range", "connect", "copy_file_range", "creat", "dup",
	"dup2", "dup3", "epoll_create", "epoll_create1", "epoll_ctl",
	"epoll_pwait", "epoll_wait", "eventfd", "eventfd2", "execve",
	"execveat", "exit", "exit_group", "faccessat", "faccessat2",
	"fadvise64", "fallocate", "fchdir", "fchmod", "fchmodat",
	"fchown", "fchownat", "fcntl", "fdatasync", "flock", "fork",
	"fstat", "fstatfs", "fsync", "ftruncate", "futex", "getcwd",
	"getdents", "getdents64", "getegid", "geteuid", "getgid",
	"getgroups", "getitimer", "getpeername", "getpgid", "getpgrp",
	"getpid", "getppid", "getpriority", "getrandom", "getresgid",
	"getresuid", "getrlimit", "getrusage", "getsid", "getsockname",
	"getsockopt", "gettid", "gettimeofday", "getuid", "getxattr",
	"ioctl", "kill", "lchown", "link", "linkat", "listen", "lseek",
	"lstat", "madvise", "membarrier", "memfd_create", "mincore",
	"mkdir", "mkdirat", "mmap", "mprotect", "mremap", "msync",
	"munmap", "nanosleep", "newfstatat", "open", "openat", "openat2",
	"pause", "pipe", "pipe2", "poll", "ppoll", "prctl", "pread64",
	"preadv", "preadv2", "prlimit64", "pselect6", "pwrite64",
	"pwritev", "pwritev2", "read", "readahead", "readlink",
	"readlinkat", "readv", "recvfrom", "recvmmsg", "recvmsg",
	"rename", "renameat", "renameat2", "restart_syscall",
	"rmdir", "rseq", "rt_sigaction", "rt_sigpending",
	"rt_sigprocmask", "rt_sigqueueinfo", "rt_sigreturn",
	"rt_sigsuspend", "rt_sigtimedwait", "sched_getaffinity",
	"sched_getattr", "sched_getparam", "sched_getscheduler",
	"sched_yield", "select", "sendfile", "sendmmsg", "sendmsg",
	"sendto", "set_robust_list", "set_tid_address", "setitimer",
	"setpgid", "setpriority", "setsid", "setsockopt", "shutdown",
	"sigaltstack", "socket", "socketpair", "splice", "stat",
	"statfs", "statx", "symlink", "symlinkat", "sync",
	"sync_file_range", "sysinfo", "tee", "tgkill", "time",
	"timer_create", "timer_delete", "timer_getoverrun",
	"timer_gettime", "timer_settime", "timerfd_create",
	"timerfd_gettime", "timerfd_settime", "times", "tkill",
	"truncate", "umask", "uname", "unlink", "unlinkat", "utime",
	"utimensat", "utimes", "vfork", "wait4", "waitid", "write",
	"writev",
}

// languageSyscalls adds per-language extras on top of the base list.
// Interpreters using SysV shared memory (CPython multiprocessing) need
// the IPC family.
var languageSyscalls = map[string][]string{
	"python": {
		"shmget", "shmat", "shmdt", "shmctl",
		"semget", "semop", "semctl", "semtimedop",
		"msgget", "msgsnd", "msgrcv", "msgctl",
	},
	"go":   {"sigreturn", "sched_setaffinity"},
	"rust": {"sched_setaffinity"},
}

// blockedSyscalls are killed outright regardless of language: namespace
// and mount manipulation, tracing, kernel module control, and the
// classic filesystem-handle container escapes.
var blockedSyscalls = []string{
	"unshare", "setns", "mount", "umount", "umount2", "move_mount",
	"open_tree", "fsopen", "fsconfig", "fsmount", "fspick",
	"pivot_root", "chroot", "ptrace", "process_vm_readv",
	"process_vm_writev", "init_module", "finit_module",
	"delete_module", "kexec_load", "kexec_file_load", "reboot",
	"swapon", "swapoff", "bpf", "perf_event_open", "keyctl",
	"add_key", "request_key", "userfaultfd", "open_by_handle_at",
	"name_to_handle_at", "quotactl", "lookup_dcookie", "acct",
	"settimeofday", "clock_settime", "clock_adjtime", "adjtimex",
}

type seccompRule struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

type seccompDoc struct {
	DefaultAction string        `json:"defaultAction"`
	Architectures []string      `json:"architectures"`
	Syscalls      []seccompRule `json:"syscalls"`
}

// seccompProfile renders the Docker-format seccomp JSON for a language.
// Unlisted syscalls fail with EPERM; the blocked list kills the thread.
func seccompProfile(language string) string {
	allowed := make([]string, 0, len(baseSyscalls)+16)
	allowed = append(allowed, baseSyscalls...)
	allowed = append(allowed, languageSyscalls[language]...)

	doc := seccompDoc{
		DefaultAction: "SCMP_ACT_ERRNO",
		Architectures: []string{"SCMP_ARCH_X86_64", "SCMP_ARCH_AARCH64"},
		Syscalls: []seccompRule{
			{Names: allowed, Action: "SCMP_ACT_ALLOW"},
			{Names: blockedSyscalls, Action: "SCMP_ACT_KILL"},
		},
	}

	b, err := json.Marshal(doc)
	if err != nil {
		// Marshalling static data cannot fail; keep the signature simple.
		return ""
	}
	return string(b)
}
