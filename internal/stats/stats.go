// Package stats appends one CSV row per finished task so long-term
// throughput can be analyzed without parsing task files.
package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/taskrelay/taskrelay/internal/storage"
	"github.com/taskrelay/taskrelay/internal/task"
)

const fileName = "task_stats.csv"

var header = []string{"task_id", "date", "task_type", "status", "app_name", "app_version", "etab_name"}

// CSV appends rows to task_stats.csv under its lock file, writing the
// header when the file does not exist yet.
type CSV struct {
	path string
	lock *storage.FileLock
}

// NewCSV stores the stats file under dir.
func NewCSV(dir string, lockTimeout time.Duration) (*CSV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create stats directory: %w", err)
	}
	path := filepath.Join(dir, fileName)
	return &CSV{
		path: path,
		lock: storage.NewFileLock(path+".lock", lockTimeout),
	}, nil
}

// Path returns the stats file location.
func (c *CSV) Path() string { return c.path }

// Record appends one row for a task that reached a terminal status.
func (c *CSV) Record(t *task.Task) error {
	return c.lock.With(func() error {
		_, statErr := os.Stat(c.path)
		needHeader := os.IsNotExist(statErr)

		f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open stats file: %w", err)
		}
		defer func() { _ = f.Close() }()

		w := csv.NewWriter(f)
		if needHeader {
			if err := w.Write(header); err != nil {
				return fmt.Errorf("write stats header: %w", err)
			}
		}
		row := []string{
			t.TaskID,
			time.Now().Format("2006-01-02"),
			t.TaskType,
			string(t.Status),
			t.AppName,
			t.AppVersion,
			t.EtabName,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write stats row: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return fmt.Errorf("flush stats row: %w", err)
		}
		return nil
	})
}

// Row is one recorded terminal transition.
type Row struct {
	TaskID     string `json:"task_id"`
	Date       string `json:"date"`
	TaskType   string `json:"task_type"`
	Status     string `json:"status"`
	AppName    string `json:"app_name"`
	AppVersion string `json:"app_version"`
	EtabName   string `json:"etab_name"`
}

// Count pairs a label with how often it occurred.
type Count struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Summary aggregates the recorded rows for reporting.
type Summary struct {
	Total     int     `json:"total_tasks"`
	ByType    []Count `json:"by_type"`
	ByStatus  []Count `json:"by_status"`
	ByEtab    []Count `json:"by_etab"`
	ByDate    []Count `json:"by_date"`
	DateRange string  `json:"date_range,omitempty"`
}

// Load reads all recorded rows. A missing file yields no rows.
func (c *CSV) Load() ([]Row, error) {
	var rows []Row
	err := c.lock.With(func() error {
		f, err := os.Open(c.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("open stats file: %w", err)
		}
		defer func() { _ = f.Close() }()

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		first := true
		for {
			rec, err := r.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read stats file: %w", err)
			}
			if first {
				first = false
				continue
			}
			row := Row{}
			get := func(i int) string {
				if i < len(rec) {
					return rec[i]
				}
				return ""
			}
			row.TaskID = get(0)
			row.Date = get(1)
			row.TaskType = get(2)
			row.Status = get(3)
			row.AppName = get(4)
			row.AppVersion = get(5)
			row.EtabName = get(6)
			rows = append(rows, row)
		}
	})
	return rows, err
}

// Summarize builds the aggregate view over the given rows.
func Summarize(rows []Row) Summary {
	byType := map[string]int{}
	byStatus := map[string]int{}
	byEtab := map[string]int{}
	byDate := map[string]int{}
	for _, r := range rows {
		byType[orUnknown(r.TaskType)]++
		byStatus[orUnknown(r.Status)]++
		byEtab[orUnknown(r.EtabName)]++
		byDate[orUnknown(r.Date)]++
	}

	s := Summary{
		Total:    len(rows),
		ByType:   sortedByCount(byType),
		ByStatus: sortedByCount(byStatus),
		ByEtab:   sortedByCount(byEtab),
		ByDate:   sortedByLabel(byDate),
	}

	var dates []string
	for _, c := range s.ByDate {
		if c.Label != "unknown" {
			dates = append(dates, c.Label)
		}
	}
	if len(dates) > 0 {
		s.DateRange = dates[0] + " to " + dates[len(dates)-1]
	}
	return s
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func sortedByCount(m map[string]int) []Count {
	out := toCounts(m)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

func sortedByLabel(m map[string]int) []Count {
	out := toCounts(m)
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

func toCounts(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for label, n := range m {
		out = append(out, Count{Label: label, Count: n})
	}
	return out
}
