package types

import "time"

// Reference declares that Field holds the id of a document in Target.
// Integrity validation reports documents whose reference points nowhere.
type Reference struct {
	Field  string `json:"field" mapstructure:"field"`
	Target string `json:"target" mapstructure:"target"`
}

// CollectionSchema describes the rules a caller attaches to a collection.
// The store itself never hard-codes domain rules; they all arrive here.
type CollectionSchema struct {
	Name            string      `json:"name" mapstructure:"name"`
	UniqueFields    []string    `json:"uniqueFields" mapstructure:"unique_fields"`
	IndexedFields   []string    `json:"indexedFields" mapstructure:"indexed_fields"`
	References      []Reference `json:"references" mapstructure:"references"`
	SensitiveFields []string    `json:"sensitiveFields" mapstructure:"sensitive_fields"`
	SoftDelete      bool        `json:"softDelete" mapstructure:"soft_delete"`
}

// IndexName is the name under which the index for field is stored.
func IndexName(field string) string {
	return "by_" + field
}

// BackupType classifies backups into their own directory.
type BackupType string

const (
	BackupAuto      BackupType = "auto"
	BackupManual    BackupType = "manual"
	BackupEmergency BackupType = "emergency"
)

// BackupTypes lists every backup directory scanned by retention and listing.
var BackupTypes = []BackupType{BackupAuto, BackupManual, BackupEmergency}

// BackupInfo describes one backup file.
type BackupInfo struct {
	Filename  string     `json:"filename"`
	Path      string     `json:"path"`
	Size      int64      `json:"size"`
	Checksum  string     `json:"checksum"`
	Type      BackupType `json:"type"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Strategy selects how diverging local and remote copies are reconciled.
type Strategy string

const (
	StrategyServerWins Strategy = "server_wins"
	StrategyClientWins Strategy = "client_wins"
	StrategyMerge      Strategy = "merge"
	StrategyTimestamp  Strategy = "timestamp"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyTimestamp:
		return true
	}
	return false
}

// ConflictRecord captures one reconciled divergence.
type ConflictRecord struct {
	Collection         string    `json:"collection"`
	ID                 string    `json:"id"`
	Local              Document  `json:"local"`
	Remote             Document  `json:"remote"`
	ResolutionStrategy Strategy  `json:"resolutionStrategy"`
	Resolution         string    `json:"resolution"`
	ResolvedAt         time.Time `json:"resolvedAt"`
}
