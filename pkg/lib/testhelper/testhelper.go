// Package testhelper is a small multi-mode program compiled into test
// binaries and the CLI. Importing it registers the program under Name;
// a binary re-executed with argv[0] == Name runs it from reexec.Init.
//
// Modes:
//
//	exit-code N     exit with status N
//	echo            copy stdin to stdout
//	sleep MS        sleep, then exit 0
//	upper           copy stdin to stdout line by line, upper-cased
//	env KEY         print the value of KEY, exit 1 if unset
//	pwd             print the working directory
//	spawn-sleep MS  start a grandchild sleeping MS, print its pid, sleep MS
package testhelper

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/moby/sys/reexec"
)

const Name = "prn-helper"

func init() {
	reexec.Register(Name, func() {
		os.Exit(Run(os.Args[1:], os.Stdin, os.Stdout))
	})
}

// Path returns the executable to launch with argv[0] set to Name.
func Path() string { return reexec.Self() }

// Run executes one mode and returns the exit status.
func Run(args []string, stdin io.Reader, stdout io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: prn-helper <mode> [args]")
		return 2
	}
	mode, rest := args[0], args[1:]
	switch mode {
	case "exit-code":
		code, err := intArg(rest)
		if err != nil {
			return usage(mode, err)
		}
		return code
	case "echo":
		if _, err := io.Copy(stdout, stdin); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	case "sleep":
		ms, err := intArg(rest)
		if err != nil {
			return usage(mode, err)
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return 0
	case "upper":
		return upper(stdin, stdout)
	case "env":
		if len(rest) != 1 {
			return usage(mode, fmt.Errorf("want one key"))
		}
		v, ok := os.LookupEnv(rest[0])
		if !ok {
			return 1
		}
		fmt.Fprintln(stdout, v)
		return 0
	case "pwd":
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, wd)
		return 0
	case "spawn-sleep":
		ms, err := intArg(rest)
		if err != nil {
			return usage(mode, err)
		}
		cmd := &exec.Cmd{Path: Path(), Args: []string{Name, "sleep", strconv.Itoa(ms)}}
		if err := cmd.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, cmd.Process.Pid)
		time.Sleep(time.Duration(ms) * time.Millisecond)
		_ = cmd.Wait()
		return 0
	default:
		return usage(mode, fmt.Errorf("unknown mode"))
	}
}

func upper(stdin io.Reader, stdout io.Writer) int {
	w := bufio.NewWriter(stdout)
	sc := bufio.NewScanner(stdin)
	for sc.Scan() {
		_, _ = w.WriteString(strings.ToUpper(sc.Text()) + "\n")
		if err := w.Flush(); err != nil {
			return 1
		}
	}
	if sc.Err() != nil {
		return 1
	}
	return 0
}

func intArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("want one integer argument")
	}
	return strconv.Atoi(args[0])
}

func usage(mode string, err error) int {
	fmt.Fprintf(os.Stderr, "prn-helper %s: %v\n", mode, err)
	return 2
}
