package vm

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"

	"github.com/iambrandonn/roam/internal/codegen"
	"github.com/iambrandonn/roam/internal/protocol"
	"github.com/iambrandonn/roam/internal/scope"
	"github.com/iambrandonn/roam/internal/snapshot"
)

// sysKey is the interpreter symbol key for import "roam/sys".
const sysKey = codegen.SysImport + "/sys"

// exports builds the roam/sys package seen by agent code. Every function
// runs on the loop goroutine because agent code only runs there.
func (p *Process) exports() interp.Exports {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return interp.Exports{
		sysKey: {
			"Scope":       reflect.ValueOf((*scope.Scope)(nil)),
			"Object":      reflect.ValueOf((*scope.Object)(nil)),
			"Array":       reflect.ValueOf((*scope.Array)(nil)),
			"Buffer":      reflect.ValueOf((*scope.Buffer)(nil)),
			"Function":    reflect.ValueOf((*scope.Function)(nil)),
			"Import":      reflect.ValueOf((*scope.Import)(nil)),
			"Placeholder": reflect.ValueOf((*scope.Placeholder)(nil)),
			"Timer":       reflect.ValueOf((*snapshot.Timer)(nil)),
			"FS":          reflect.ValueOf((*FS)(nil)),

			"Root": reflect.ValueOf(func() *scope.Scope { return p.arena.Root() }),
			"Require": reflect.ValueOf(func(spec string) (*scope.Import, error) {
				return p.arena.Root().Import(spec)
			}),
			"AgentID":   reflect.ValueOf(func() string { return p.opts.AgentID }),
			"RuntimeID": reflect.ValueOf(func() string { return p.opts.RuntimeID }),
			"Args":      reflect.ValueOf(func() []string { return append([]string(nil), p.opts.Args...) }),
			"Now":       reflect.ValueOf(func() int64 { return p.opts.Clock.Now().UnixMilli() }),
			"Exit": reflect.ValueOf(func(code int) {
				p.exit = &code
			}),

			"Println": reflect.ValueOf(func(args ...any) {
				fmt.Fprintln(p.opts.Stdout, args...)
			}),
			"Printf": reflect.ValueOf(func(format string, args ...any) {
				fmt.Fprintf(p.opts.Stdout, format, args...)
			}),
			"Eprintln": reflect.ValueOf(func(args ...any) {
				fmt.Fprintln(p.opts.Stderr, args...)
			}),

			"SetInterval": reflect.ValueOf(func(fn *scope.Function, periodMS int) string {
				return p.timers.SetInterval(p.callback(fn), ms(periodMS))
			}),
			"SetTimeout": reflect.ValueOf(func(fn *scope.Function, delayMS int) string {
				return p.timers.SetTimeout(p.callback(fn), ms(delayMS))
			}),
			"SetImmediate": reflect.ValueOf(func(fn *scope.Function) string {
				return p.timers.SetImmediate(p.callback(fn))
			}),
			"ClearTimer": reflect.ValueOf(func(id string) bool { return p.timers.Clear(id) }),

			"OnLine":    reflect.ValueOf(func(fn *scope.Function) { p.listen(codegen.StdinLine, fn) }),
			"OnSegment": reflect.ValueOf(func(fn *scope.Function) { p.listen(codegen.StdinSegment, fn) }),
			"OnJSON":    reflect.ValueOf(func(fn *scope.Function) { p.listen(codegen.StdinJSON, fn) }),

			"Publish": reflect.ValueOf(func(topic, payload string) error {
				_, err := p.syscall(protocol.SyscallPublish, protocol.PublishRequest{Topic: topic, Payload: payload})
				return err
			}),
			"Syscall": reflect.ValueOf(func(verb string, payload any) (string, error) {
				raw, err := p.syscall(verb, payload)
				return string(raw), err
			}),

			// Restore helpers used by generated code.
			"Enter": reflect.ValueOf(func(id string) *scope.Scope {
				s, err := p.arena.Enter(id)
				if err != nil {
					panic(err)
				}
				return s
			}),
			"Lookup": reflect.ValueOf(func(scopeID string, local int) any {
				v, err := p.arena.Lookup(scopeID, local)
				if err != nil {
					panic(err)
				}
				return v
			}),
			"RefTo":        reflect.ValueOf(func(scopeID string, local int) *scope.Placeholder { return p.arena.RefTo(scopeID, local) }),
			"Defer":        reflect.ValueOf(func(fn func()) { p.arena.Defer(fn) }),
			"Link":         reflect.ValueOf(func() error { return p.arena.Link() }),
			"RestoreTimer": reflect.ValueOf(func(id string, t snapshot.Timer) { p.restoreTimer(id, t) }),
			"RestoreStdin": reflect.ValueOf(func(kind, uri string) { p.restoreStdin(kind, uri) }),
		},
	}
}

// FS is the "fs" module: the filesystem collaborator reached through
// the supervising runtime.
type FS struct {
	call func(verb string, payload any) (json.RawMessage, error)
}

// ReadFile returns the content of path.
func (f *FS) ReadFile(path string) (string, error) {
	raw, err := f.call(protocol.VerbReadFile, protocol.FileRequest{Path: path})
	if err != nil {
		return "", err
	}
	var content protocol.FileContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return "", err
	}
	return string(content.Data), nil
}

// WriteFile replaces the content of path.
func (f *FS) WriteFile(path, data string) error {
	_, err := f.call(protocol.VerbWriteFile, protocol.FileRequest{Path: path, Data: []byte(data)})
	return err
}

// Readdir lists the entry names of a directory.
func (f *FS) Readdir(path string) ([]string, error) {
	raw, err := f.call(protocol.VerbReaddir, protocol.FileRequest{Path: path})
	if err != nil {
		return nil, err
	}
	var entries []protocol.DirEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

// Mkdir creates a directory and any missing parents.
func (f *FS) Mkdir(path string) error {
	_, err := f.call(protocol.VerbMkdir, protocol.FileRequest{Path: path, Parents: true})
	return err
}
