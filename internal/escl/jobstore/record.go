package jobstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeFormat is the ISO-8601 layout used for persisted instants.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

var entryDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// DispatchTime is a wall-clock time of day in the scheduler's timezone.
type DispatchTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

func (d DispatchTime) Valid() bool {
	return d.Hour >= 0 && d.Hour <= 23 && d.Minute >= 0 && d.Minute <= 59
}

func (d DispatchTime) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute)
}

// Record is one pending job. AccountID and JWTFingerprint are empty when the
// job uses the legacy credential.
type Record struct {
	JobID          string
	ScrimID        int64
	TeamID         int64
	EntryDate      string
	DispatchTime   *DispatchTime
	RunAt          time.Time
	CreatedBy      string
	CreatedAt      time.Time
	AccountID      string
	JWTFingerprint string
}

func (r Record) clone() Record {
	if r.DispatchTime != nil {
		d := *r.DispatchTime
		r.DispatchTime = &d
	}
	return r
}

// Validate checks the invariants every persisted record must satisfy.
func (r Record) Validate() error {
	id := strings.TrimSpace(r.JobID)
	if id == "" {
		return fmt.Errorf("%w: empty jobId", ErrMalformed)
	}
	if r.ScrimID <= 0 {
		return fmt.Errorf("%w: job %s: scrimId must be a positive integer", ErrMalformed, id)
	}
	if r.TeamID <= 0 {
		return fmt.Errorf("%w: job %s: teamId must be a positive integer", ErrMalformed, id)
	}
	if !entryDateRe.MatchString(r.EntryDate) {
		return fmt.Errorf("%w: job %s: entryDate must be YYYY-MM-DD", ErrMalformed, id)
	}
	if _, err := time.Parse(time.DateOnly, r.EntryDate); err != nil {
		return fmt.Errorf("%w: job %s: entryDate %s is not a calendar date", ErrMalformed, id, r.EntryDate)
	}
	if r.DispatchTime != nil && !r.DispatchTime.Valid() {
		return fmt.Errorf("%w: job %s: dispatchTime out of range", ErrMalformed, id)
	}
	if r.RunAt.IsZero() {
		return fmt.Errorf("%w: job %s: runAt missing", ErrMalformed, id)
	}
	if strings.TrimSpace(r.CreatedBy) == "" {
		return fmt.Errorf("%w: job %s: createdBy is empty", ErrMalformed, id)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("%w: job %s: createdAt missing", ErrMalformed, id)
	}
	return nil
}

// wireRecord is the on-disk shape. Optional values are JSON null.
type wireRecord struct {
	JobID          string        `json:"jobId"`
	ScrimID        json.Number   `json:"scrimId"`
	TeamID         json.Number   `json:"teamId"`
	EntryDate      string        `json:"entryDate"`
	DispatchTime   *DispatchTime `json:"dispatchTime"`
	RunAt          string        `json:"runAt"`
	CreatedBy      string        `json:"createdBy"`
	CreatedAt      string        `json:"createdAt"`
	AccountID      *string       `json:"accountId"`
	JWTFingerprint *string       `json:"jwtFingerprint"`
}

func (r Record) toWire() wireRecord {
	w := wireRecord{
		JobID:        r.JobID,
		ScrimID:      json.Number(strconv.FormatInt(r.ScrimID, 10)),
		TeamID:       json.Number(strconv.FormatInt(r.TeamID, 10)),
		EntryDate:    r.EntryDate,
		DispatchTime: r.DispatchTime,
		RunAt:        r.RunAt.UTC().Format(TimeFormat),
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt.UTC().Format(TimeFormat),
	}
	if r.AccountID != "" {
		v := r.AccountID
		w.AccountID = &v
	}
	if r.JWTFingerprint != "" {
		v := r.JWTFingerprint
		w.JWTFingerprint = &v
	}
	return w
}

func decodeRecord(key string, msg json.RawMessage) (Record, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Record{}, fmt.Errorf("%w: job %s is not an object", ErrMalformed, key)
	}

	var w wireRecord
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return Record{}, fmt.Errorf("%w: job %s: %v", ErrMalformed, key, err)
	}

	id := strings.TrimSpace(w.JobID)
	if id == "" {
		id = strings.TrimSpace(key)
	}
	if id == "" {
		return Record{}, fmt.Errorf("%w: job %q has an empty jobId", ErrMalformed, key)
	}

	scrimID, err := positiveInt(w.ScrimID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: job %s: scrimId must be a positive integer", ErrMalformed, id)
	}
	teamID, err := positiveInt(w.TeamID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: job %s: teamId must be a positive integer", ErrMalformed, id)
	}
	runAt, err := parseInstant(w.RunAt)
	if err != nil {
		return Record{}, fmt.Errorf("%w: job %s: runAt is not ISO-8601", ErrMalformed, id)
	}
	createdAt, err := parseInstant(w.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("%w: job %s: createdAt is not ISO-8601", ErrMalformed, id)
	}

	rec := Record{
		JobID:        id,
		ScrimID:      scrimID,
		TeamID:       teamID,
		EntryDate:    w.EntryDate,
		DispatchTime: w.DispatchTime,
		RunAt:        runAt,
		CreatedBy:    strings.TrimSpace(w.CreatedBy),
		CreatedAt:    createdAt,
	}
	if w.AccountID != nil {
		v := strings.TrimSpace(*w.AccountID)
		if v == "" {
			return Record{}, fmt.Errorf("%w: job %s: accountId is blank", ErrMalformed, id)
		}
		rec.AccountID = v
	}
	if w.JWTFingerprint != nil {
		v := strings.TrimSpace(*w.JWTFingerprint)
		if v == "" {
			return Record{}, fmt.Errorf("%w: job %s: jwtFingerprint is blank", ErrMalformed, id)
		}
		rec.JWTFingerprint = v
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func positiveInt(n json.Number) (int64, error) {
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("not positive: %d", v)
	}
	return v, nil
}

// parseInstant accepts RFC 3339 timestamps with or without fractional seconds.
func parseInstant(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
}
