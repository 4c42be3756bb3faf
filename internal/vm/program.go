package vm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/iambrandonn/roam/internal/clock"
	"github.com/iambrandonn/roam/internal/pubsub"
)

// Program is agent code compiled into the roam binary. Daemons are
// programs. A program cannot be captured, so it is never migrated.
type Program func(ctx context.Context, env *Env) error

// Env is what a Program gets to work with.
type Env struct {
	AgentID   string
	RuntimeID string
	Args      []string
	Logger    *slog.Logger
	Clock     clock.Clock
	// Transport reaches the cluster directly; it is nil when the child
	// was started without a broker.
	Transport pubsub.Transport
	Stdout    io.Writer
	Stderr    io.Writer
	Syscall   SyscallFunc
}

// Programs is a registry of named programs.
type Programs struct {
	mu       sync.RWMutex
	programs map[string]Program
}

// NewPrograms returns an empty registry.
func NewPrograms() *Programs {
	return &Programs{programs: make(map[string]Program)}
}

// Register adds a program. Registering a name twice panics.
func (r *Programs) Register(name string, p Program) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.programs[name]; dup {
		panic(fmt.Sprintf("vm: program %q registered twice", name))
	}
	r.programs[name] = p
}

// Lookup returns the program registered under name.
func (r *Programs) Lookup(name string) (Program, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[name]
	return p, ok
}

// Names lists registered programs in order.
func (r *Programs) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.programs))
	for n := range r.programs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
