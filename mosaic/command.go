/*
	This file holds the Command type used by the mosaic CLI.  A command is the
	subcommand name followed by positional arguments and optional settings of the
	form "<key>=<value>".
*/

package mosaic

import (
	"strconv"
	"strings"
)

// Keys for setting various arguments within the command line via "key=value" strings.
const (
	KeyBlockSize   = "block"
	KeyCompression = "compression"
	KeyQuality     = "quality"
	KeyWorkers     = "workers"
	KeyOverviews   = "overviews"
	KeyLossy       = "lossy"
	KeyTileSize    = "tilesize"
	KeyOverlap     = "overlap"
	KeyFormat      = "format"
	KeySamples     = "samples"
	KeyConfigFile  = "config"
)

// Command is a command-line request.  The first item is the command name; the
// rest are positional arguments or "<key>=<value>" settings.
type Command []string

// String returns a space-separated command line
func (cmd Command) String() string {
	return strings.Join([]string(cmd), " ")
}

// Name returns the first argument which is assumed to be the name of the command.
func (cmd Command) Name() string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0]
}

// Parameter scans a command for any "key=value" argument and returns
// the value of the passed 'key'.
func (cmd Command) Parameter(key string) (value string, found bool) {
	if len(cmd) > 1 {
		for _, arg := range cmd[1:] {
			elems := strings.SplitN(arg, "=", 2)
			if len(elems) == 2 && elems[0] == key {
				return elems[1], true
			}
		}
	}
	return
}

// IntParameter returns the integer value of a "key=value" setting or the
// default if the key is absent.
func (cmd Command) IntParameter(key string, def int) (int, error) {
	s, found := cmd.Parameter(key)
	if !found {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def, NewError(InvalidArgument, "bad value for %s: %q", key, s)
	}
	return v, nil
}

// BoolParameter returns the boolean value of a "key=value" setting or the
// default if the key is absent.
func (cmd Command) BoolParameter(key string, def bool) (bool, error) {
	s, found := cmd.Parameter(key)
	if !found {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def, NewError(InvalidArgument, "bad value for %s: %q", key, s)
	}
	return v, nil
}

// CommandArgs sets a variadic argument set of string pointers to positional
// command arguments, ignoring settings of the form "<key>=<value>".
// If there aren't enough arguments to set a target, the target is set to the
// empty string.  It returns an 'overflow' slice that has all arguments
// beyond those needed for targets.
func (cmd Command) CommandArgs(targets ...*string) (overflow []string) {
	for _, target := range targets {
		*target = ""
	}
	if len(cmd) < 2 {
		return
	}
	cur := 0
	for _, arg := range cmd[1:] {
		if strings.Contains(arg, "=") {
			continue
		}
		if cur < len(targets) {
			*(targets[cur]) = arg
		} else {
			overflow = append(overflow, arg)
		}
		cur++
	}
	return
}
