package result

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Attestation binds a run's results to the harness and task pages that produced them.
type Attestation struct {
	Harness struct {
		Version       string `json:"version"`
		WeightVersion string `json:"weight_version"`
	} `json:"harness"`
	Run struct {
		RunID       string `json:"run_id"`
		Participant string `json:"participant"`
		Model       string `json:"model,omitempty"`
		Timestamp   string `json:"timestamp"`
	} `json:"run"`
	Integrity struct {
		ResultsHash string `json:"results_hash"`
	} `json:"integrity"`
	Tasks map[string]TaskAttestation `json:"tasks"`
}

// TaskAttestation is the fingerprint of one task definition.
type TaskAttestation struct {
	TaskHash string  `json:"task_hash"`
	Weight   float64 `json:"weight"`
}

// HashBytes returns the BLAKE3 hash of data as a prefixed hex string.
func HashBytes(data []byte) string {
	h := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(h[:])
}

// ResultsHash hashes the results of a summary.
func ResultsHash(s *Summary) (string, error) {
	data, err := json.Marshal(s.Results)
	if err != nil {
		return "", fmt.Errorf("marshaling results: %w", err)
	}
	return HashBytes(data), nil
}

// NewAttestation builds the attestation of a summary. tasks maps task id to its fingerprint.
func NewAttestation(s *Summary, version, weightVersion string, tasks map[string]TaskAttestation) (*Attestation, error) {
	hash, err := ResultsHash(s)
	if err != nil {
		return nil, err
	}
	a := &Attestation{Tasks: tasks}
	a.Harness.Version = version
	a.Harness.WeightVersion = weightVersion
	a.Run.RunID = s.RunID
	a.Run.Participant = s.Participant
	a.Run.Model = s.Model
	a.Run.Timestamp = s.Timestamp
	a.Integrity.ResultsHash = hash
	if a.Tasks == nil {
		a.Tasks = map[string]TaskAttestation{}
	}
	return a, nil
}

// Save writes attestation.json into dir.
func (a *Attestation) Save(dir string) error {
	if err := WriteJSONAtomic(filepath.Join(dir, "attestation.json"), a); err != nil {
		return fmt.Errorf("writing attestation.json: %w", err)
	}
	return nil
}

// LoadAttestation reads attestation.json from dir.
func LoadAttestation(dir string) (*Attestation, error) {
	data, err := os.ReadFile(filepath.Join(dir, "attestation.json"))
	if err != nil {
		return nil, fmt.Errorf("reading attestation.json: %w", err)
	}
	var a Attestation
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parsing attestation.json: %w", err)
	}
	return &a, nil
}
