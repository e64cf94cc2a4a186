package h2engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

const workerEnv = "H2ENGINE_WORKER"

// WorkerSlot reports the slot this process was spawned for by an
// ExecSpawner.
func WorkerSlot() (int, bool) {
	v, ok := os.LookupEnv(workerEnv)
	if !ok {
		return 0, false
	}
	slot, err := strconv.Atoi(v)
	if err != nil || slot < 0 || slot >= WorkerMax {
		return 0, false
	}
	return slot, true
}

// Worker is a running worker process.
type Worker interface {
	Pid() int
	Signal(sig os.Signal) error
	// Wait blocks until the worker exited and returns its exit code.
	Wait() (int, error)
}

// Spawner starts the worker of a slot.
type Spawner interface {
	Spawn(slot int) (Worker, error)
}

// ExecSpawner runs workers by executing a program, by default the
// running one with its own arguments. Workers find their slot with
// WorkerSlot.
type ExecSpawner struct {
	Path string
	Args []string
	Env  []string
}

func (e *ExecSpawner) Spawn(slot int) (Worker, error) {
	path := e.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		path = exe
	}
	args := e.Args
	if args == nil {
		args = os.Args
	}
	env := append(os.Environ(), e.Env...)
	env = append(env, workerEnv+"="+strconv.Itoa(slot))
	p, err := os.StartProcess(path, args, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
	})
	if err != nil {
		return nil, err
	}
	return &procWorker{p}, nil
}

type procWorker struct {
	p *os.Process
}

func (w *procWorker) Pid() int                   { return w.p.Pid }
func (w *procWorker) Signal(sig os.Signal) error { return w.p.Signal(sig) }

func (w *procWorker) Wait() (int, error) {
	stat, err := w.p.Wait()
	if err != nil {
		return -1, err
	}
	return stat.ExitCode(), nil
}

type workerExit struct {
	slot int
	pid  int
	code int
	err  error
}

// Supervisor keeps a fixed number of workers running, respawning a
// worker in the slot it died in.
type Supervisor struct {
	n          int
	spawner    Spawner
	log        Logger
	RetryDelay time.Duration

	workers [WorkerMax]Worker
}

func NewSupervisor(n int, spawner Spawner, log Logger) (*Supervisor, error) {
	if n < 1 || n > WorkerMax {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrInvalidWorker, n, WorkerMax)
	}
	if spawner == nil {
		spawner = &ExecSpawner{}
	}
	if log == nil {
		log = createDefaultLogger()
	}
	return &Supervisor{n: n, spawner: spawner, log: log, RetryDelay: time.Second}, nil
}

func (s *Supervisor) spawn(slot int, exits chan<- workerExit) error {
	w, err := s.spawner.Spawn(slot)
	if err != nil {
		return err
	}
	s.workers[slot] = w
	go func() {
		code, err := w.Wait()
		exits <- workerExit{slot: slot, pid: w.Pid(), code: code, err: err}
	}()
	return nil
}

// Run spawns the workers and supervises them until SIGTERM, SIGINT or
// the end of ctx. Workers are then sent SIGTERM, and Run returns once
// all of them exited.
func (s *Supervisor) Run(ctx context.Context) error {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigc)

	exits := make(chan workerExit, s.n)
	retries := make(chan int, s.n)
	running, pending := 0, 0
	var spawnErr error
	for slot := 0; slot < s.n; slot++ {
		if spawnErr = s.spawn(slot, exits); spawnErr != nil {
			break
		}
		running++
	}

	killing := false
	kill := func() {
		if killing {
			return
		}
		killing = true
		for slot := 0; slot < s.n; slot++ {
			if w := s.workers[slot]; w != nil {
				if err := w.Signal(syscall.SIGTERM); err != nil {
					s.log.Warnf("failed to signal worker %d (pid %d): %v", slot, w.Pid(), err)
				}
			}
		}
	}
	if spawnErr != nil {
		kill()
	}

	done := ctx.Done()
	for running > 0 || (pending > 0 && !killing) {
		select {
		case sig := <-sigc:
			s.log.Warnf("received %v, stopping %d workers", sig, running)
			kill()
		case <-done:
			done = nil
			kill()
		case e := <-exits:
			running--
			s.workers[e.slot] = nil
			if e.err != nil {
				s.log.Errorf("worker %d (pid %d): %v", e.slot, e.pid, e.err)
			} else if !killing {
				s.log.Warnf("worker %d (pid %d) exited with status %d", e.slot, e.pid, e.code)
			}
			if killing {
				continue
			}
			if s.respawn(e.slot, exits, retries) {
				running++
			} else {
				pending++
			}
		case slot := <-retries:
			pending--
			if killing {
				continue
			}
			if s.respawn(slot, exits, retries) {
				running++
			} else {
				pending++
			}
		}
	}
	if spawnErr != nil {
		return fmt.Errorf("h2engine: spawn worker: %w", spawnErr)
	}
	return nil
}

// respawn starts a worker in slot, scheduling a retry on failure.
func (s *Supervisor) respawn(slot int, exits chan<- workerExit, retries chan<- int) bool {
	err := s.spawn(slot, exits)
	if err == nil {
		return true
	}
	s.log.Errorf("failed to respawn worker %d, retrying in %v: %v", slot, s.RetryDelay, err)
	time.AfterFunc(s.RetryDelay, func() {
		retries <- slot
	})
	return false
}
