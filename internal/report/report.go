package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/probeworks/cassprobe/internal/orchestrator"
)

// Format selects the output rendering.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
)

// ParseFormat validates an output format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatConsole, FormatJSON, FormatCSV, "":
		if s == "" {
			return FormatConsole, nil
		}
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown output format %q (expected console, json or csv)", s)
	}
}

// Writer renders probe sessions in the configured format. Machine-readable
// formats preserve every result with its success flag, error message and
// duration.
type Writer struct {
	format Format
	out    io.Writer
}

// NewWriter creates a session writer.
func NewWriter(format Format, out io.Writer) *Writer {
	return &Writer{format: format, out: out}
}

// WriteSession renders one finished session.
func (w *Writer) WriteSession(s *orchestrator.ProbeSession) error {
	switch w.format {
	case FormatJSON:
		return w.writeJSON(s)
	case FormatCSV:
		return w.writeCSV(s)
	default:
		return w.writeConsole(s)
	}
}

func (w *Writer) writeConsole(s *orchestrator.ProbeSession) error {
	if s.Topology != nil {
		fmt.Fprintf(w.out, "Cluster: %s (%d hosts, %d up, %d down)\n",
			s.Topology.ClusterName, s.Topology.TotalHosts(), s.Topology.UpHosts(), s.Topology.DownHosts())
	}

	tw := tabwriter.NewWriter(w.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tDC\tPROBE\tRESULT\tDURATION\tERROR")
	for _, r := range s.Results {
		outcome := "OK"
		if !r.Success {
			outcome = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Host.Key(), r.Host.Datacenter, r.Type, outcome,
			r.Duration.Round(time.Millisecond), r.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w.out, Summary(s))
	return nil
}

func (w *Writer) writeJSON(s *orchestrator.ProbeSession) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func (w *Writer) writeCSV(s *orchestrator.ProbeSession) error {
	cw := csv.NewWriter(w.out)
	header := []string{"session_id", "timestamp", "host", "port", "datacenter", "probe", "success", "duration_ms", "error_message"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range s.Results {
		record := []string{
			s.ID.String(),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Host.Address,
			strconv.Itoa(r.Host.NativePort),
			r.Host.Datacenter,
			string(r.Type),
			strconv.FormatBool(r.Success),
			strconv.FormatFloat(float64(r.Duration)/float64(time.Millisecond), 'f', 3, 64),
			r.Error,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summary is the final console line for a session.
func Summary(s *orchestrator.ProbeSession) string {
	ok, total := s.Counts()
	return fmt.Sprintf("Summary: %d/%d successful", ok, total)
}

// DecodeSession parses a JSON-rendered session back into its record.
func DecodeSession(r io.Reader) (*orchestrator.ProbeSession, error) {
	var s orchestrator.ProbeSession
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}
