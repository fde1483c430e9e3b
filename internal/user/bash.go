package user

import (
	"bytes"
	"os"
	"path"
	"strings"

	"golang.org/x/sys/unix"
)

// prompt of the interactive shell
const prompt = "hpu:/# "

// searchPath is where commands without a slash are looked up
var searchPath = []string{"/bin", "/"}

// shell is a minimal command interpreter: one command per line, words
// split on blanks, an optional "> file" redirection of standard output
type shell struct {
	p    *Proc
	env  []string
	last int
	done bool
}

// Bash runs "-c line", a script file, or an interactive session on
// standard input
func Bash(p *Proc, argv []string) int {
	sh := &shell{p: p, env: Environ}
	switch {
	case len(argv) >= 3 && argv[1] == "-c":
		sh.run(argv[2])
	case len(argv) >= 2:
		data, ok := readFile(p, argv[1])
		if !ok {
			p.Errorf("bash: %s: No such file or directory\n", argv[1])
			return 127
		}
		for _, line := range strings.Split(string(data), "\n") {
			if sh.run(line); sh.done {
				break
			}
		}
	default:
		sh.interactive()
	}
	return sh.last
}

func (sh *shell) interactive() {
	var pending bytes.Buffer
	buf := make([]byte, 128)
	sh.p.Printf("%s", prompt)
	for !sh.done {
		n := sh.p.Read(Stdin, buf)
		if n <= 0 {
			return
		}
		pending.Write(buf[:n])
		for !sh.done {
			line, err := pending.ReadString('\n')
			if err != nil {
				pending.WriteString(line)
				break
			}
			sh.run(line)
			if !sh.done {
				sh.p.Printf("%s", prompt)
			}
		}
	}
}

// command is one parsed line
type command struct {
	argv     []string
	redirect string
}

func parse(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return command{}, false
	}
	var cmd command
	words := strings.Fields(line)
	for i := 0; i < len(words); i++ {
		w := words[i]
		switch {
		case w == ">" && i+1 < len(words):
			cmd.redirect = words[i+1]
			i++
		case strings.HasPrefix(w, ">") && len(w) > 1:
			cmd.redirect = w[1:]
		default:
			cmd.argv = append(cmd.argv, w)
		}
	}
	return cmd, len(cmd.argv) > 0
}

func (sh *shell) run(line string) {
	cmd, ok := parse(line)
	if !ok {
		return
	}
	switch cmd.argv[0] {
	case "exit":
		sh.done = true
		if len(cmd.argv) > 1 {
			sh.last = atoi(cmd.argv[1])
		}
	case "cd", "true", ":":
		sh.last = 0
	case "false":
		sh.last = 1
	case "pwd":
		sh.builtin(cmd, "/\n")
	case "echo":
		sh.builtin(cmd, strings.Join(cmd.argv[1:], " ")+"\n")
	default:
		sh.last = sh.external(cmd)
	}
}

// builtin writes out to standard output or the redirection target
func (sh *shell) builtin(cmd command, out string) {
	p := sh.p
	fd := Stdout
	if cmd.redirect != "" {
		if fd = p.Open(cmd.redirect, os.O_WRONLY|os.O_CREATE|os.O_TRUNC); fd < 0 {
			p.Errorf("bash: %s: %v\n", cmd.redirect, unix.Errno(-fd))
			sh.last = 1
			return
		}
		defer p.Close(fd)
	}
	p.Write(fd, []byte(out))
	sh.last = 0
}

// external forks a child that execs the command and returns its exit
// status the way the shell reports it
func (sh *shell) external(cmd command) int {
	p := sh.p
	pid := p.Fork(func(c *Proc) int {
		if cmd.redirect != "" {
			c.Close(Stdout)
			if fd := c.Open(cmd.redirect, os.O_WRONLY|os.O_CREATE|os.O_TRUNC); fd != Stdout {
				c.Errorf("bash: %s: cannot redirect\n", cmd.redirect)
				return 1
			}
		}
		for _, name := range candidates(cmd.argv[0]) {
			c.Exec(name, cmd.argv, sh.env)
		}
		c.Errorf("bash: %s: command not found\n", cmd.argv[0])
		return 127
	})
	if pid < 0 {
		p.Errorf("bash: fork: %v\n", unix.Errno(-pid))
		return 1
	}
	var status int
	if ret := p.Waitpid(pid, &status, 0); ret < 0 {
		return 1
	}
	if sig := status & 0x7f; sig != 0 {
		return 128 + sig
	}
	return (status >> 8) & 0xff
}

func candidates(name string) []string {
	if strings.Contains(name, "/") {
		return []string{path.Clean("/" + name)}
	}
	out := make([]string, 0, len(searchPath))
	for _, dir := range searchPath {
		out = append(out, path.Join(dir, name))
	}
	return out
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 2
		}
		n = n*10 + int(r-'0')
	}
	return n & 0xff
}
