// Package provision applies wireless credentials received over the
// short-range provisioning channel to the supplicant configuration.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Modes
const (
	ModeAppend    = "append"
	ModeOverwrite = "overwrite"
)

// Status strings reported back over the provisioning channel
const (
	StatusSaved         = "WIFI_SAVED"
	StatusConnecting    = "WIFI_CONNECTING"
	StatusFail          = "WIFI_FAIL"
	StatusInvalidFormat = "ERROR:INVALID_FORMAT"
	StatusError         = "ERROR"
)

// ErrInvalidFormat is returned for payloads that are not "ssid|password"
var ErrInvalidFormat = errors.New("invalid credentials format")

// Runner executes a command
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Options configures a Provisioner
type Options struct {
	Mode         string
	ConfPath     string
	Interface    string
	BaseTemplate string // overwrite mode only
}

// Credentials is one wireless network
type Credentials struct {
	SSID     string
	Password string
}

// Provisioner writes networks into wpa_supplicant.conf and asks the
// supplicant to reload.
type Provisioner struct {
	opts   Options
	runner Runner
	log    *slog.Logger
	now    func() time.Time
}

// New creates a provisioner
func New(opts Options, runner Runner) (*Provisioner, error) {
	switch opts.Mode {
	case ModeAppend, ModeOverwrite:
	default:
		return nil, fmt.Errorf("invalid provision mode '%s', must be one of: append, overwrite", opts.Mode)
	}
	if opts.ConfPath == "" {
		return nil, fmt.Errorf("supplicant config path is required")
	}
	return &Provisioner{
		opts:   opts,
		runner: runner,
		log:    slog.With("component", "provision"),
		now:    time.Now,
	}, nil
}

// ParseCredentials splits "ssid|password". The password may itself contain
// "|". Quotes and line breaks are rejected because they would escape the
// network block.
func ParseCredentials(payload string) (Credentials, error) {
	ssid, password, ok := strings.Cut(strings.TrimRight(payload, "\r\n"), "|")
	if !ok || ssid == "" || password == "" {
		return Credentials{}, ErrInvalidFormat
	}
	if strings.ContainsAny(ssid+password, "\"\r\n") {
		return Credentials{}, ErrInvalidFormat
	}
	return Credentials{SSID: ssid, Password: password}, nil
}

// NetworkBlock renders c as a supplicant network block
func NetworkBlock(c Credentials) string {
	return fmt.Sprintf("\nnetwork={\n    ssid=\"%s\"\n    psk=\"%s\"\n}\n", c.SSID, c.Password)
}

// Apply parses payload, saves it, and reconfigures the interface. Every
// status is passed to report in order.
func (p *Provisioner) Apply(ctx context.Context, payload string, report func(string)) error {
	if report == nil {
		report = func(string) {}
	}

	creds, err := ParseCredentials(payload)
	if err != nil {
		report(StatusInvalidFormat)
		return err
	}

	block := NetworkBlock(creds)
	switch p.opts.Mode {
	case ModeAppend:
		err = p.appendNetwork(block)
	case ModeOverwrite:
		err = p.overwriteNetworks(block)
	}
	if err != nil {
		report(StatusError)
		return err
	}

	p.log.Info("Network saved", "ssid", creds.SSID, "mode", p.opts.Mode)
	report(StatusSaved)

	if _, err := p.runner.Run(ctx, "wpa_cli", "-i", p.opts.Interface, "reconfigure"); err != nil {
		p.log.Error("Reconfigure failed", "interface", p.opts.Interface, "error", err)
		report(StatusFail)
		return fmt.Errorf("failed to reconfigure %s: %w", p.opts.Interface, err)
	}

	report(StatusConnecting)
	return nil
}

// appendNetwork keeps a standalone copy of the block next to the main
// config and appends it to the main config.
func (p *Provisioner) appendNetwork(block string) error {
	dir := filepath.Dir(p.opts.ConfPath)

	stamp := p.now().UnixMilli()
	for {
		path := filepath.Join(dir, fmt.Sprintf("wpa_%d.conf", stamp))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if errors.Is(err, fs.ErrExist) {
			stamp++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		_, werr := f.WriteString(block)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			return fmt.Errorf("failed to write %s: %w", path, errors.Join(werr, cerr))
		}
		break
	}

	f, err := os.OpenFile(p.opts.ConfPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", p.opts.ConfPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(block); err != nil {
		return fmt.Errorf("failed to append to %s: %w", p.opts.ConfPath, err)
	}
	return nil
}

// overwriteNetworks replaces the main config with the base template plus
// the block.
func (p *Provisioner) overwriteNetworks(block string) error {
	tmp := p.opts.ConfPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(p.opts.BaseTemplate+block), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.opts.ConfPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", p.opts.ConfPath, err)
	}
	return nil
}
