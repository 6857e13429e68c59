package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
)

// DefaultVolume is used when a request carries no level
const DefaultVolume = 70

// ErrNoControl is returned when the sound card exposes no simple control
var ErrNoControl = errors.New("no audio control found")

var simpleControl = regexp.MustCompile(`Simple mixer control '([^']+)'`)

// Runner executes a command and returns its combined output
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host
type ExecRunner struct{}

// Run executes name with args
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return out, nil
}

// Mixer sets the hardware output level through amixer
type Mixer struct {
	runner  Runner
	command string
	control string // empty means pick one
	log     *slog.Logger
}

// NewMixer creates a mixer. An empty control selects PCM, then Master,
// then whatever the card lists first.
func NewMixer(runner Runner, command, control string) *Mixer {
	return &Mixer{
		runner:  runner,
		command: command,
		control: control,
		log:     slog.With("component", "mixer"),
	}
}

// Controls lists the simple mixer controls
func (m *Mixer) Controls(ctx context.Context) ([]string, error) {
	out, err := m.runner.Run(ctx, m.command, "scontrols")
	if err != nil {
		return nil, fmt.Errorf("failed to list mixer controls: %w", err)
	}
	var controls []string
	for _, match := range simpleControl.FindAllSubmatch(out, -1) {
		controls = append(controls, string(match[1]))
	}
	return controls, nil
}

// SetVolume clamps level to 0..100 and applies it. It returns the level
// applied and the control used.
func (m *Mixer) SetVolume(ctx context.Context, level int) (int, string, error) {
	level = ClampVolume(level)

	control := m.control
	if control == "" {
		controls, err := m.Controls(ctx)
		if err != nil {
			return level, "", err
		}
		control = pickControl(controls)
		if control == "" {
			return level, "", ErrNoControl
		}
	}

	if _, err := m.runner.Run(ctx, m.command, "sset", control, strconv.Itoa(level)+"%"); err != nil {
		return level, control, fmt.Errorf("failed to set volume: %w", err)
	}

	m.log.Info("Volume changed", "level", level, "control", control)
	return level, control, nil
}

// ClampVolume limits level to 0..100
func ClampVolume(level int) int {
	return max(0, min(100, level))
}

func pickControl(controls []string) string {
	for _, preferred := range []string{"PCM", "Master"} {
		for _, c := range controls {
			if c == preferred {
				return c
			}
		}
	}
	if len(controls) > 0 {
		return controls[0]
	}
	return ""
}
