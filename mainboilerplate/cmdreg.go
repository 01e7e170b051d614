package mainboilerplate

import (
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
)

// AddCommandFunc adds a sub-command to its parent *flags.Command.
type AddCommandFunc func(*flags.Command) error

// CommandRegistry accumulates sub-commands (typically from init funcs of a
// program's files) for later addition to a *flags.Parser. Commands are keyed
// on the dot-separated path of their parent, where "" is the root:
//
//	reg.AddCommand("", "store", ...)
//	reg.AddCommand("store", "stat", ...)
type CommandRegistry map[string][]AddCommandFunc

// NewCommandRegistry returns an empty CommandRegistry.
func NewCommandRegistry() CommandRegistry { return make(CommandRegistry) }

// AddCommand registers a command under |parent|. Arguments are as
// flags.Command.AddCommand.
func (cr CommandRegistry) AddCommand(parent, command, short, long string, data interface{}) {
	cr[parent] = append(cr[parent], func(cmd *flags.Command) error {
		var _, err = cmd.AddCommand(command, short, long, data)
		return errors.WithMessagef(err, "adding command %q", command)
	})
}

// AddCommands adds commands registered under |parent| to |cmd|. If
// |recursive|, sub-commands of added commands are added as well.
func (cr CommandRegistry) AddCommands(parent string, cmd *flags.Command, recursive bool) error {
	for _, fn := range cr[parent] {
		if err := fn(cmd); err != nil {
			return err
		}
	}
	if !recursive {
		return nil
	}
	for _, child := range cmd.Commands() {
		var path = child.Name
		if parent != "" {
			path = parent + "." + path
		}
		if err := cr.AddCommands(path, child, true); err != nil {
			return err
		}
	}
	return nil
}
