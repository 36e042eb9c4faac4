// Support sub-commands in p1meter application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"
	"log"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/p1meter/internal/state"
)

type Mod struct {
	Name string
	Main func(context.Context, *state.Config) error
}

// Parse finds module by name, empty command selects first module.
func Parse(command string, modules []Mod) (*Mod, error) {
	if len(modules) == 0 {
		panic("code error subcmd.Parse() without modules")
	}
	if command == "" {
		return &modules[0], nil
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, errors.NotFoundf("command='%s'", command)
	}
	return found, nil
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
