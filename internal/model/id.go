package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"time"
)

type IDType string

const (
	IDTypeRun   IDType = "run"
	IDTypeEvent IDType = "evt"
)

var validIDTypes = map[IDType]bool{
	IDTypeRun:   true,
	IDTypeEvent: true,
}

var idRegex = regexp.MustCompile(`^(run|evt)_[0-9]{10}_[0-9a-f]{8}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hexStr), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	// Extract timestamp portion: after first '_', 10 digits
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}

// FindingFingerprint builds a deterministic finding id from the fields that
// identify a distinct issue. Re-running an agent on the same path reproduces
// the same id, so the store upsert supersedes instead of duplicating.
func FindingFingerprint(agent, file string, line int, category, message string) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s", agent, file, line, category, message)
	return fmt.Sprintf("fnd_%08x", h.Sum32())
}
