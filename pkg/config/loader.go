package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var dotenvLoaded sync.Once

// Load parses environment variables into v according to its `env` struct tags.
// The first call also loads a .env file from the working directory when one
// exists, so local development does not need exported variables.
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	return LoadWithOptions(v, env.Options{})
}

// LoadWithOptions is Load with caarlos0/env options, e.g. a variable prefix
// or a fixed environment map in tests.
func LoadWithOptions[T any](v *T, opts env.Options) error {
	if v == nil {
		return ErrNilPointer
	}
	if opts.Environment == nil {
		dotenvLoaded.Do(func() {
			// A missing .env file is the normal case outside development.
			_ = godotenv.Load()
		})
	}
	if err := env.ParseWithOptions(v, opts); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad works like Load but panics if configuration loading fails.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}
