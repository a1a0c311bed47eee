package services

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// SpawnSpec describes one game server instance to start.
type SpawnSpec struct {
	GSID  string
	Host  string
	Port  int
	Token string
}

// Process is a started game server.
type Process interface {
	PID() int
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process and everything it spawned.
	Kill() error
}

type Spawner interface {
	Spawn(spec SpawnSpec) (Process, error)
}

// ExecSpawner runs the game server binary as a child process in its own
// process group.
type ExecSpawner struct {
	Binary string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

func (s *ExecSpawner) Spawn(spec SpawnSpec) (Process, error) {
	if s.Binary == "" {
		return nil, fmt.Errorf("no game server binary configured")
	}

	cmd := exec.Command(s.Binary, s.Args...)
	cmd.Env = append(os.Environ(),
		"GS_ID="+spec.GSID,
		"GS_HOST="+spec.Host,
		"GS_PORT="+strconv.Itoa(spec.Port),
		"GS_TOKEN="+spec.Token,
	)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr

	// Negative pid signals reach the instance and all its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", s.Binary, err)
	}

	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
