package syncer

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/Dev-Stive/securadb/securadb/remote"
	"github.com/Dev-Stive/securadb/types"
)

// Action is what reconciliation decided to do with one document.
type Action string

const (
	ActionSkip     Action = "skip"
	ActionUpload   Action = "upload"
	ActionDownload Action = "download"
	ActionMerge    Action = "merge"
)

// Resolution is the outcome for a document present on both sides.
type Resolution struct {
	Action Action
	// Doc is the winning content: local for uploads, remote for downloads,
	// the merged document for merges.
	Doc types.Document
}

// canonical renders a document for equality checks. encoding/json sorts map
// keys, so equal documents render identically whatever their Go types.
func canonical(doc types.Document) string {
	data, err := json.Marshal(doc.WithoutSyncMeta())
	if err != nil {
		return ""
	}
	return string(data)
}

// Identical reports whether two copies differ only in sync metadata.
func Identical(a, b types.Document) bool {
	ca := canonical(a)
	return ca != "" && ca == canonical(b)
}

// remoteTime is the server write time, or the document's own timestamp
// when the remote does not report one.
func remoteTime(doc remote.Document) time.Time {
	if !doc.UpdateTime.IsZero() {
		return doc.UpdateTime
	}
	return doc.Data.LastModified()
}

// Resolve reconciles a document present locally and remotely. It is a pure
// function of its inputs.
func Resolve(strategy types.Strategy, local types.Document, rem remote.Document) Resolution {
	if Identical(local, rem.Data) {
		return Resolution{Action: ActionSkip}
	}
	localNewer := !local.LastModified().Before(remoteTime(rem))

	switch strategy {
	case types.StrategyServerWins:
		return Resolution{Action: ActionDownload, Doc: rem.Data.WithoutSyncMeta()}
	case types.StrategyClientWins:
		return Resolution{Action: ActionUpload, Doc: local.WithoutSyncMeta()}
	case types.StrategyMerge:
		merged := mergeMaps(local.WithoutSyncMeta(), rem.Data.WithoutSyncMeta(), localNewer)
		return Resolution{Action: ActionMerge, Doc: types.Document(merged)}
	default:
		if localNewer {
			return Resolution{Action: ActionUpload, Doc: local.WithoutSyncMeta()}
		}
		return Resolution{Action: ActionDownload, Doc: rem.Data.WithoutSyncMeta()}
	}
}

// mergeMaps combines two objects field by field. Nested objects merge
// recursively, arrays are unioned and scalars come from the newer side.
func mergeMaps(local, rem map[string]interface{}, localNewer bool) map[string]interface{} {
	keys := make([]string, 0, len(local)+len(rem))
	for k := range local {
		keys = append(keys, k)
	}
	for k := range rem {
		if _, ok := local[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		lv, inLocal := local[k]
		rv, inRemote := rem[k]
		switch {
		case !inRemote:
			out[k] = types.CloneValue(lv)
		case !inLocal:
			out[k] = types.CloneValue(rv)
		default:
			out[k] = mergeValues(lv, rv, localNewer)
		}
	}
	return out
}

func mergeValues(lv, rv interface{}, localNewer bool) interface{} {
	lm, lok := asObject(lv)
	rm, rok := asObject(rv)
	if lok && rok {
		return mergeMaps(lm, rm, localNewer)
	}
	la, lok := lv.([]interface{})
	ra, rok := rv.([]interface{})
	if lok && rok {
		return unionArrays(la, ra)
	}
	if localNewer {
		return types.CloneValue(lv)
	}
	return types.CloneValue(rv)
}

// unionArrays keeps local order and appends remote elements not already
// present, comparing elements by their JSON form.
func unionArrays(local, rem []interface{}) []interface{} {
	seen := make(map[string]bool, len(local)+len(rem))
	out := make([]interface{}, 0, len(local)+len(rem))
	for _, list := range [][]interface{}{local, rem} {
		for _, v := range list {
			key, err := json.Marshal(v)
			if err != nil || seen[string(key)] {
				continue
			}
			seen[string(key)] = true
			out = append(out, types.CloneValue(v))
		}
	}
	return out
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case types.Document:
		return map[string]interface{}(m), true
	}
	return nil, false
}
