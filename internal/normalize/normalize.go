// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package normalize converts pipe-delimited accounting-command rows into
// model.NormalizedRecord values.
package normalize

import (
	"strconv"
	"strings"
	"time"

	"clusteracct/internal/model"
	"clusteracct/internal/units"
)

// FieldCount is the number of pipe-delimited fields a valid row carries:
// JobID|User|State|ElapsedRaw|AllocCPUS|NNodes|ReqMem|MaxRSS|AveRSS|AllocTRES|Submit|Start|End
const FieldCount = 13

const (
	idxJobID = iota
	idxUser
	idxState
	idxElapsedRaw
	idxAllocCPUs
	idxNNodes
	idxReqMem
	idxMaxRSS
	idxAveRSS
	idxAllocTRES
	idxSubmit
	idxStart
	idxEnd
)

var failStates = map[string]bool{
	"FAILED":        true,
	"NODE_FAIL":     true,
	"OUT_OF_MEMORY": true,
	"PREEMPTED":     true,
	"TIMEOUT":       true,
}

const endTimeLayout = "2006-01-02T15:04:05"

// Line parses one pipe-delimited accounting row into a NormalizedRecord. It
// returns ok=false for step rows (JobID containing '.'), rows with the wrong
// field count, or rows with an empty JobID/User — the caller drops these
// silently per the malformed-record contract.
func Line(line string) (model.NormalizedRecord, bool) {
	line = strings.TrimRight(line, "\n")
	if line == "" {
		return model.NormalizedRecord{}, false
	}
	parts := strings.Split(line, "|")
	if len(parts) != FieldCount {
		return model.NormalizedRecord{}, false
	}

	jobID := parts[idxJobID]
	if jobID == "" || strings.Contains(jobID, ".") {
		return model.NormalizedRecord{}, false
	}

	userRaw := strings.TrimSpace(parts[idxUser])
	if userRaw == "" {
		return model.NormalizedRecord{}, false
	}
	user := strings.ToLower(strings.SplitN(userRaw, "@", 2)[0])

	state := strings.TrimSpace(parts[idxState])

	elapsedRaw := parseFloatOrZero(parts[idxElapsedRaw])
	elapsedHours := elapsedRaw / 3600.0

	allocCPUs := parseIntOrZero(parts[idxAllocCPUs])
	nNodes := parseIntOrZero(parts[idxNNodes])
	clockHours := float64(allocCPUs) * elapsedHours

	reqMemMB := units.ParseReqMem(parts[idxReqMem], allocCPUs, nNodes)
	maxMemMB := units.ParseMemToMB(parts[idxMaxRSS])
	avgMemMB := units.ParseMemToMB(parts[idxAveRSS])

	gpuCount := units.ParseGPUCount(parts[idxAllocTRES])
	gpuElapsedHours := 0.0
	if gpuCount > 0 {
		gpuElapsedHours = elapsedHours
	}
	gpuClockHours := float64(gpuCount) * elapsedHours

	failed := isFailState(state)
	endTS := parseEndTS(parts[idxEnd])

	return model.NormalizedRecord{
		JobID:           jobID,
		User:            user,
		State:           state,
		EndTS:           endTS,
		ElapsedHours:    elapsedHours,
		ClockHours:      clockHours,
		GPUCount:        gpuCount,
		GPUElapsedHours: gpuElapsedHours,
		GPUClockHours:   gpuClockHours,
		ReqMemMB:        reqMemMB,
		MaxMemMB:        maxMemMB,
		AvgMemMB:        avgMemMB,
		Failed:          failed,
	}, true
}

// isFailState reports whether state's first whitespace-delimited token is a
// failure state. CANCELLED, including "CANCELLED by <uid>", is never failed.
func isFailState(state string) bool {
	fields := strings.Fields(state)
	if len(fields) == 0 {
		return false
	}
	return failStates[fields[0]]
}

// parseEndTS parses an End field formatted "2006-01-02T15:04:05" (UTC,
// naive) into unix seconds. "Unknown", "None", empty, or any unparseable
// value returns 0, putting the record outside any month.
func parseEndTS(val string) int64 {
	if val == "" || val == "Unknown" || val == "None" {
		return 0
	}
	t, err := time.Parse(endTimeLayout, val)
	if err != nil {
		return 0
	}
	return t.Unix()
}

func parseFloatOrZero(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseIntOrZero(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
