// Copyright 2017 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"strings"
	"sync/atomic"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tikv/throughput-control/pkg/errs"
)

// IsLevelLegal checks whether the level is legal.
func IsLevelLegal(level string) bool {
	switch strings.ToLower(level) {
	case "fatal", "error", "warn", "warning", "debug", "info":
		return true
	default:
		return false
	}
}

// SetupLogger setup the logger and replaces the global logger of pingcap/log.
func SetupLogger(logConfig *log.Config, redactInfoLog bool, redactInfoMark string) (*zap.Logger, *log.ZapProperties, error) {
	lg, p, err := log.InitLogger(logConfig, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return nil, nil, errs.ErrInitLogger.Wrap(err).GenWithStackByCause()
	}
	log.ReplaceGlobals(lg, p)
	setRedactType(redactInfoLog, redactInfoMark)
	return lg, p, nil
}

// LogPanic logs the panic reason and stack, then exit the process.
// Commonly used with a `defer`.
func LogPanic() {
	if e := recover(); e != nil {
		log.Fatal("panic", zap.Reflect("recover", e))
	}
}

type redactType int

const (
	redactOFF redactType = iota
	redactON
	redactWithMarker
)

var (
	curRedactType   atomic.Value
	redactMarkLeft  atomic.Value
	redactMarkRight atomic.Value
)

func init() {
	curRedactType.Store(redactOFF)
}

func getRedactType() redactType {
	return curRedactType.Load().(redactType)
}

func setRedactType(redactInfoLog bool, redactInfoMark string) {
	if !redactInfoLog {
		curRedactType.Store(redactOFF)
		return
	}
	if len(redactInfoMark) != 2 {
		curRedactType.Store(redactON)
		return
	}
	curRedactType.Store(redactWithMarker)
	redactMarkLeft.Store(rune(redactInfoMark[0]))
	redactMarkRight.Store(rune(redactInfoMark[1]))
}

func redactInfo(input string) string {
	res := &strings.Builder{}
	res.Grow(len(input) + 2)
	leftMark, rightMark := redactMarkLeft.Load().(rune), redactMarkRight.Load().(rune)
	_, _ = res.WriteRune(leftMark)
	for _, c := range input {
		if c == leftMark || c == rightMark {
			_, _ = res.WriteRune(c)
		}
		_, _ = res.WriteRune(c)
	}
	_, _ = res.WriteRune(rightMark)
	return res.String()
}

// ZapRedactByteString receives a partition key and returns omitted information in zap.Field if redact log enabled.
func ZapRedactByteString(key string, arg []byte) zap.Field {
	return zap.ByteString(key, RedactBytes(arg))
}

// RedactBytes receives []byte argument and return omitted information if redact log enabled
func RedactBytes(arg []byte) []byte {
	switch getRedactType() {
	case redactON:
		return []byte("?")
	case redactWithMarker:
		return []byte(redactInfo(string(arg)))
	default:
	}
	return arg
}
