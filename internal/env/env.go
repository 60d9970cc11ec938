// Package env composes the environment handed to the worker process.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables on top of a base taken from the daemon's own
// environment. Values are copied on every With* call so an Env can be shared.
type Env struct {
	vars   Var
	base   Var
	noBase bool
}

func New() *Env { return &Env{vars: make(Var)} }

// Worker returns the defaults every Python worker gets: unbuffered stdio so
// readiness lines arrive as soon as they are printed.
func Worker() *Env {
	return New().
		WithSet("PYTHONUNBUFFERED", "1").
		WithSet("PYTHONIOENCODING", "utf-8")
}

// WithSet returns a copy with k=v applied.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// WithoutOS returns a copy whose base is empty instead of os.Environ.
func (e *Env) WithoutOS() *Env {
	c := e.clone()
	c.noBase = true
	c.base = nil
	return c
}

func (e *Env) clone() *Env {
	c := &Env{vars: make(Var, len(e.vars)), base: e.base, noBase: e.noBase}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	return c
}

// Merge composes the final KEY=VALUE list: OS env, then the Env's variables,
// then extra entries. ${VAR} references are expanded once against the
// composed map. Output is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var)
	if !e.noBase {
		base := e.base
		if base == nil {
			base = parse(os.Environ())
		}
		for k, v := range base {
			m[k] = v
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
