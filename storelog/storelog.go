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

// Package storelog is the structured-logging facade shared by
// msgstore, compactor and queue. It wraps github.com/rs/zerolog so
// every component logs through the same sink and field conventions
// (queue name, file number, component) rather than each importing
// zerolog directly.
package storelog

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.Mutex
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
)

// SetOutput redirects every subsequently derived logger to w. Tests
// typically pass an io.Discard or a bytes.Buffer here.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(w).With().Timestamp().Logger()
}

// For returns a logger tagged with component, the name of the
// package or instance emitting the record (e.g. "msgstore",
// "compactor", "queue:orders").
func For(component string) zerolog.Logger {
	mu.Lock()
	l := base
	mu.Unlock()
	return l.With().Str("component", component).Logger()
}
