package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Block is a tamper-evident record for one executed pipeline step.
type Block struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	RunID     string `json:"runId"`
	Pipeline  string `json:"pipeline"`
	StepIndex int    `json:"stepIndex"`
	Step      string `json:"step"`
	Status    string `json:"status"`
	ExitCode  int    `json:"exitCode"`
	LogPath   string `json:"logPath,omitempty"`
	LogHash   string `json:"logHash,omitempty"`
	PrevHash  string `json:"prevHash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubKey"`
}

// canonicalData returns the JSON bytes used to compute the block hash.
// Hash, Signature and PubKey are excluded.
func (b *Block) canonicalData() ([]byte, error) {
	view := struct {
		Index     int    `json:"index"`
		Timestamp string `json:"timestamp"`
		RunID     string `json:"runId"`
		Pipeline  string `json:"pipeline"`
		StepIndex int    `json:"stepIndex"`
		Step      string `json:"step"`
		Status    string `json:"status"`
		ExitCode  int    `json:"exitCode"`
		LogPath   string `json:"logPath"`
		LogHash   string `json:"logHash"`
		PrevHash  string `json:"prevHash"`
	}{
		Index:     b.Index,
		Timestamp: b.Timestamp,
		RunID:     b.RunID,
		Pipeline:  b.Pipeline,
		StepIndex: b.StepIndex,
		Step:      b.Step,
		Status:    b.Status,
		ExitCode:  b.ExitCode,
		LogPath:   b.LogPath,
		LogHash:   b.LogHash,
		PrevHash:  b.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData.
func (b *Block) ComputeHash() (string, error) {
	data, err := b.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
