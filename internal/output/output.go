// Package output renders service listings as a table or as JSON.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/nebula/svcbridge/internal/service"
	"github.com/nebula/svcbridge/internal/storage"
)

// Minimum column widths of the listing table
const (
	minNameWidth   = 4
	minStatusWidth = 7
	minUserWidth   = 4
)

var (
	colorGreen  = lipgloss.Color("2")
	colorRed    = lipgloss.Color("1")
	colorYellow = lipgloss.Color("3")
	colorBlue   = lipgloss.Color("4")
	colorMuted  = lipgloss.Color("8")
)

// Styles used when writing to a terminal
var Styles = struct {
	Header    lipgloss.Style
	Started   lipgloss.Style
	Scheduled lipgloss.Style
	Error     lipgloss.Style
	Other     lipgloss.Style
	Muted     lipgloss.Style
}{
	Header:    lipgloss.NewStyle().Bold(true).Underline(true),
	Started:   lipgloss.NewStyle().Foreground(colorGreen),
	Scheduled: lipgloss.NewStyle().Foreground(colorBlue),
	Error:     lipgloss.NewStyle().Foreground(colorRed),
	Other:     lipgloss.NewStyle().Foreground(colorYellow),
	Muted:     lipgloss.NewStyle().Foreground(colorMuted),
}

// ServiceStatus is one row of a listing
type ServiceStatus struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	User     string `json:"user"`
	File     string `json:"file"`
	ExitCode *int   `json:"exit_code"`
}

// ServiceInfo is the detailed view of one service. pid is null unless the
// service is running; only environment and last_action are omitted when empty.
type ServiceInfo struct {
	ServiceStatus
	Running      bool              `json:"running"`
	Loaded       bool              `json:"loaded"`
	Schedulable  bool              `json:"schedulable"`
	PID          *int              `json:"pid"`
	Command      []string          `json:"command"`
	WorkingDir   string            `json:"working_dir"`
	RootDir      string            `json:"root_dir"`
	LogPath      string            `json:"log_path"`
	ErrorLogPath string            `json:"error_log_path"`
	Environment  map[string]string `json:"environment,omitempty"`
	Interval     int               `json:"interval"`
	Cron         string            `json:"cron"`
	LastAction   *storage.Entry    `json:"last_action,omitempty"`
}

// NewStatus builds a listing row from a fresh observation
func NewStatus(d service.Descriptor, obs service.Observation) ServiceStatus {
	return ServiceStatus{
		Name:     d.Name,
		Status:   string(obs.Status),
		User:     obs.Owner,
		File:     obs.File,
		ExitCode: obs.ExitCode,
	}
}

// NewInfo builds the detailed view. last may be nil.
func NewInfo(d service.Descriptor, obs service.Observation, last *storage.Entry) ServiceInfo {
	var pid *int
	if obs.PID > 0 {
		pid = &obs.PID
	}
	return ServiceInfo{
		ServiceStatus: NewStatus(d, obs),
		Running:       obs.Running(),
		Loaded:        obs.Loaded,
		Schedulable:   d.Schedulable(),
		PID:           pid,
		Command:       d.Command,
		WorkingDir:    d.WorkingDir,
		RootDir:       d.RootDir,
		LogPath:       d.LogPath,
		ErrorLogPath:  d.ErrorLogPath,
		Environment:   d.Environment,
		Interval:      d.Schedule.Interval,
		Cron:          d.Schedule.Cron,
		LastAction:    last,
	}
}

// Resolver produces observations
type Resolver interface {
	Resolve(ctx context.Context, d service.Descriptor) (service.Observation, error)
}

// Collect resolves every descriptor into a listing row
func Collect(ctx context.Context, r Resolver, descs []service.Descriptor) ([]ServiceStatus, error) {
	rows := make([]ServiceStatus, 0, len(descs))
	for _, d := range descs {
		obs, err := r.Resolve(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", d.Name, err)
		}
		rows = append(rows, NewStatus(d, obs))
	}
	return rows, nil
}

// StatusCell maps a status to its table text
func StatusCell(s ServiceStatus) string {
	switch service.Status(s.Status) {
	case service.StatusStarted, service.StatusStopped, service.StatusUnknown,
		service.StatusScheduled, service.StatusNone:
		return s.Status
	case service.StatusError:
		if s.ExitCode != nil {
			return fmt.Sprintf("error  %d", *s.ExitCode)
		}
		return "error"
	default:
		return "other"
	}
}

func statusStyle(status string) lipgloss.Style {
	switch service.Status(status) {
	case service.StatusStarted:
		return Styles.Started
	case service.StatusScheduled:
		return Styles.Scheduled
	case service.StatusError:
		return Styles.Error
	case service.StatusNone, service.StatusStopped:
		return Styles.Muted
	default:
		return Styles.Other
	}
}

// IsTerminal reports whether f is attached to a terminal
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Table writes the Name/Status/User/File listing. Styling is applied after
// padding so color codes never affect alignment.
func Table(w io.Writer, rows []ServiceStatus, color bool) error {
	nameW, statusW, userW := minNameWidth, minStatusWidth, minUserWidth
	cells := make([]string, len(rows))
	for i, r := range rows {
		cells[i] = StatusCell(r)
		nameW = max(nameW, len(r.Name))
		statusW = max(statusW, len(cells[i]))
		userW = max(userW, len(r.User))
	}

	paint := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	header := []string{
		paint(Styles.Header, pad("Name", nameW)),
		paint(Styles.Header, pad("Status", statusW)),
		paint(Styles.Header, pad("User", userW)),
		paint(Styles.Header, "File"),
	}
	if _, err := fmt.Fprintln(w, strings.Join(header, " ")); err != nil {
		return err
	}

	for i, r := range rows {
		line := []string{
			pad(r.Name, nameW),
			paint(statusStyle(r.Status), pad(cells[i], statusW)),
			pad(r.User, userW),
			r.File,
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(strings.Join(line, " "), " ")); err != nil {
			return err
		}
	}
	return nil
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// JSON writes v as indented JSON followed by a newline
func JSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Info writes the detailed view as aligned key/value lines
func Info(w io.Writer, info ServiceInfo, color bool) error {
	key := func(k string) string {
		k = pad(k+":", 16)
		if color {
			return Styles.Header.UnsetUnderline().Render(k)
		}
		return k
	}

	lines := [][2]string{
		{"Name", info.Name},
		{"Status", StatusCell(info.ServiceStatus)},
		{"Running", fmt.Sprint(info.Running)},
		{"Loaded", fmt.Sprint(info.Loaded)},
		{"Schedulable", fmt.Sprint(info.Schedulable)},
		{"User", info.User},
		{"File", info.File},
	}
	if info.PID != nil {
		lines = append(lines, [2]string{"PID", fmt.Sprint(*info.PID)})
	}
	if len(info.Command) > 0 {
		lines = append(lines, [2]string{"Command", strings.Join(info.Command, " ")})
	}
	for _, kv := range [][2]string{
		{"Working dir", info.WorkingDir},
		{"Root dir", info.RootDir},
		{"Log", info.LogPath},
		{"Error log", info.ErrorLogPath},
		{"Cron", info.Cron},
	} {
		if kv[1] != "" {
			lines = append(lines, kv)
		}
	}
	if info.Interval > 0 {
		lines = append(lines, [2]string{"Interval", fmt.Sprintf("%ds", info.Interval)})
	}
	if a := info.LastAction; a != nil {
		lines = append(lines, [2]string{"Last action", fmt.Sprintf("%s %s by %s (%s)",
			a.Verb, a.Outcome, a.User, a.Timestamp.Format("2006-01-02 15:04:05"))})
	}

	for _, kv := range lines {
		if _, err := fmt.Fprintf(w, "%s%s\n", key(kv[0]), kv[1]); err != nil {
			return err
		}
	}
	return nil
}
