// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package msgstore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"

	"github.com/coremq/msgstore/segfile"
)

// cleanMarker is the content of clean.dot: its mere presence (plus a
// file_summary.ets that parses) means the previous instance shut down
// via Terminate rather than crashing, so Recover can trust the
// summary snapshot instead of rescanning every segment file.
type cleanMarker struct {
	CleanShutdown bool `json:"clean_shutdown"`
}

// fileSummaryRow is one file_summary.ets row: everything needed to
// repopulate a segfile.Summary without a rescan.
type fileSummaryRow struct {
	FileNo         int64 `json:"file_no"`
	ValidTotalSize int64 `json:"valid_total_size"`
	FileSize       int64 `json:"file_size"`
	Left           int64 `json:"left"`
	Right          int64 `json:"right"`
}

func cleanDotPath(dir string) string    { return filepath.Join(dir, "clean.dot") }
func fileSummaryPath(dir string) string { return filepath.Join(dir, "file_summary.ets") }

func hasCleanShutdown(dir string) bool {
	_, err := os.Stat(cleanDotPath(dir))
	return err == nil
}

func removeCleanShutdown(dir string) error {
	err := os.Remove(cleanDotPath(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func writeCleanShutdown(dir string) error {
	out, err := yaml.Marshal(cleanMarker{CleanShutdown: true})
	if err != nil {
		return err
	}
	return os.WriteFile(cleanDotPath(dir), out, 0644)
}

func writeFileSummaries(dir string, rows []fileSummaryRow) error {
	out, err := yaml.Marshal(rows)
	if err != nil {
		return err
	}
	tmp := fileSummaryPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, fileSummaryPath(dir))
}

func loadFileSummaries(dir string) ([]fileSummaryRow, error) {
	raw, err := os.ReadFile(fileSummaryPath(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rows []fileSummaryRow
	if err := yaml.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// snapshotFileSummaries captures every live file's Summary as rows
// suitable for writeFileSummaries.
func (s *Store) snapshotFileSummaries() []fileSummaryRow {
	var rows []fileSummaryRow
	for _, no := range s.summaries.Snapshot() {
		sum := s.summaries.Get(no)
		if sum == nil {
			continue
		}
		rows = append(rows, fileSummaryRow{
			FileNo:         sum.FileNo,
			ValidTotalSize: sum.ValidTotalSize,
			FileSize:       sum.FileSize,
			Left:           sum.Left,
			Right:          sum.Right,
		})
	}
	return rows
}

func installFileSummaries(t *segfile.SummaryTable, rows []fileSummaryRow) {
	for _, r := range rows {
		t.Put(&segfile.Summary{
			FileNo:         r.FileNo,
			ValidTotalSize: r.ValidTotalSize,
			FileSize:       r.FileSize,
			Left:           r.Left,
			Right:          r.Right,
		})
	}
}
