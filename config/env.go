package config

import "os"

// Env overlays configuration from process environment variables. It never
// fails Check: absent variables simply leave the struct field untouched, so
// it composes with a File base via Overlay.
type Env struct {
	apply func(getenv func(string) string, c any) error
}

// NewEnv creates an environment source driven by an apply function that
// copies recognized variables onto the target struct.
func NewEnv(apply func(getenv func(string) string, c any) error) *Env {
	return &Env{apply: apply}
}

func (e *Env) Check() error { return nil }

func (e *Env) LoadConfig(c any) error {
	return e.apply(os.Getenv, c)
}

// Overlay applies several config sources in order; later sources win for
// the fields they set.
type Overlay []Config

func (o Overlay) Check() error {
	for _, cs := range o {
		if err := cs.Check(); err != nil {
			return err
		}
	}
	return nil
}

func (o Overlay) LoadConfig(c any) error {
	for _, cs := range o {
		if err := cs.LoadConfig(c); err != nil {
			return err
		}
	}
	return nil
}
