/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package options

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/rise-dev/rise/pkg/utils/env"
)

// Options for running this binary. Everything structural (registry, auth,
// access classes) lives in the config file; flags cover only process-level
// knobs.
type Options struct {
	*flag.FlagSet

	ConfigFile  string
	DatabaseURL string
	APIPort     int
	Migrate     bool
}

// New creates an Options struct and registers CLI flags and environment
// variables to fill-in the Options struct fields.
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("rise", flag.ContinueOnError)
	opts.FlagSet = f

	f.StringVar(&opts.ConfigFile, "config", env.WithDefaultString("RISE_CONFIG", "/etc/rise/config.yaml"), "Path to the configuration file")
	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "Postgres connection string; overrides database.url from the config file")
	f.IntVar(&opts.APIPort, "api-port", env.WithDefaultInt("API_PORT", 8080), "The port the HTTP API binds to")
	f.BoolVar(&opts.Migrate, "migrate", env.WithDefaultBool("RISE_MIGRATE", true), "Apply pending database migrations on startup")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default
// values. Options are validated and panics if an error is returned.
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.ConfigFile == "" {
		err = multierr.Append(err, fmt.Errorf("RISE_CONFIG is required"))
	}
	if o.APIPort <= 0 || o.APIPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("api-port must be a valid port, got %d", o.APIPort))
	}
	return err
}
