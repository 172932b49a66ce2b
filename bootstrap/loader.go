// Package bootstrap wires the loader together: it parses an executable,
// opens its backing store, installs demand paging as the address space's
// trap handler, and transfers control to the program.
//
// Nothing of the image is mapped before the program starts. Every segment
// page is materialized by the fault handler the first time the program
// touches it.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/lazyload/backing"
	"github.com/sarchlab/lazyload/config"
	"github.com/sarchlab/lazyload/emu"
	"github.com/sarchlab/lazyload/fault"
	"github.com/sarchlab/lazyload/loader"
	"github.com/sarchlab/lazyload/vm"
)

// Loader loads and runs one executable in its own address space.
type Loader struct {
	cfg *config.Config
	as  *vm.AddressSpace
	log *logrus.Entry

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	mu        sync.Mutex
	installed bool
	previous  vm.TrapHandler
	loaded    bool
	img       *loader.Image

	handler atomic.Pointer[fault.Handler]
}

// Option is a functional option for configuring a Loader.
type Option func(*Loader)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(l *Loader) {
		l.log = log
	}
}

// WithStdin sets the program's standard input.
func WithStdin(r io.Reader) Option {
	return func(l *Loader) {
		l.stdin = r
	}
}

// WithStdout sets the program's standard output.
func WithStdout(w io.Writer) Option {
	return func(l *Loader) {
		l.stdout = w
	}
}

// WithStderr sets the program's standard error.
func WithStderr(w io.Writer) Option {
	return func(l *Loader) {
		l.stderr = w
	}
}

// WithAddressSpace runs the program in as instead of a new address space
// built from the configuration. A trap handler already installed in as
// receives the faults demand paging does not resolve.
func WithAddressSpace(as *vm.AddressSpace) Option {
	return func(l *Loader) {
		l.as = as
	}
}

// New creates a Loader. A nil cfg means config.Default().
func New(cfg *config.Config, opts ...Option) (*Loader, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l := &Loader{
		cfg:    cfg.Clone(),
		log:    logrus.NewEntry(logrus.StandardLogger()),
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.as == nil {
		asOpts, err := l.cfg.Memory.AddressSpaceOptions()
		if err != nil {
			return nil, err
		}
		l.as = vm.NewAddressSpace(asOpts...)
	}

	return l, nil
}

// InstallFaultInterception installs the loader's trap handler in the
// address space, keeping the handler it replaces to forward genuine access
// violations to. Calling it again has no effect.
func (l *Loader) InstallFaultInterception() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.install()
}

func (l *Loader) install() error {
	if l.installed {
		return nil
	}

	previous, err := l.as.InstallTrapHandler(l.trap)
	if err != nil {
		return err
	}

	l.previous = previous
	l.installed = true
	return nil
}

// trap routes faults to the demand-paging handler once an image is
// loaded, and to the previous handler before that.
func (l *Loader) trap(f vm.Fault) error {
	if h := l.handler.Load(); h != nil {
		return h.HandleFault(f)
	}
	return l.previous(f)
}

// LoadAndRun loads the executable at path and runs it with argv, returning
// when the program ends. An empty argv runs the program with path as
// argv[0].
//
// The error is a *SetupError if the program could not be started. A program
// that starts and then dies of a signal is reported through the Exit, with
// a nil error.
func (l *Loader) LoadAndRun(ctx context.Context, path string, argv []string) (emu.Exit, error) {
	h, store, err := l.setup(path)
	if err != nil {
		return emu.Exit{}, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			l.log.WithError(err).Warn("failed to close backing store")
		}
	}()

	if len(argv) == 0 {
		argv = []string{path}
	}

	opts := append(l.cfg.EmulatorOptions(),
		emu.WithStdin(l.stdin),
		emu.WithStdout(l.stdout),
		emu.WithStderr(l.stderr),
		emu.WithLogger(l.log),
	)

	img := l.Image()
	l.log.WithFields(logrus.Fields{
		"path":     path,
		"entry":    fmt.Sprintf("0x%x", img.Entry),
		"segments": h.Segments(),
	}).Debug("transferring control")

	exit, err := emu.Start(ctx, l.as, img, argv, opts...)
	if err != nil {
		l.unload()
		return emu.Exit{}, &SetupError{Stage: StageStart, Path: path, Err: err}
	}

	stats := h.Stats()
	l.log.WithFields(logrus.Fields{
		"status":       exit.Status(),
		"instructions": exit.Instructions,
		"materialized": stats.Materialized,
	}).Debug("program ended")

	return exit, nil
}

// setup runs every step before the transfer of control.
func (l *Loader) setup(path string) (*fault.Handler, *backing.Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return nil, nil, ErrImageLoaded
	}

	img, err := loader.Parse(path)
	if err != nil {
		return nil, nil, &SetupError{Stage: StageParse, Path: path, Err: err}
	}

	store, err := backing.Open(path)
	if err != nil {
		return nil, nil, &SetupError{Stage: StageOpen, Path: path, Err: err}
	}

	h := fault.New(img.Segments, store, l.as,
		fault.WithLogger(l.log.WithField("image", path)))

	if err := l.install(); err != nil {
		_ = store.Close()
		return nil, nil, &SetupError{Stage: StageInstall, Path: path, Err: err}
	}

	h.SetForward(l.previous)
	l.handler.Store(h)
	l.img = img
	l.loaded = true

	return h, store, nil
}

// unload forgets an image whose program never started, so another
// LoadAndRun may load one. Faults go to the previous handler again.
func (l *Loader) unload() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handler.Store(nil)
	l.img = nil
	l.loaded = false
}

// Stats holds loader statistics.
type Stats struct {
	Fault  fault.Stats
	Memory vm.Stats
}

// Stats returns the fault handler and address space statistics.
func (l *Loader) Stats() Stats {
	s := Stats{Memory: l.as.Stats()}
	if h := l.handler.Load(); h != nil {
		s.Fault = h.Stats()
	}
	return s
}

// AddressSpace returns the address space the program runs in.
func (l *Loader) AddressSpace() *vm.AddressSpace {
	return l.as
}

// Image returns the loaded image, or nil before LoadAndRun.
func (l *Loader) Image() *loader.Image {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.img
}

// Handler returns the demand-paging handler, or nil before LoadAndRun.
func (l *Loader) Handler() *fault.Handler {
	return l.handler.Load()
}
