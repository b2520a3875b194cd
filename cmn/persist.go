package cmn

import (
	"os"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SaveJSON whole-file-overwrites dst with v's JSON encoding (spec §4.10:
// "writes must be whole-file overwrites, no append-in-place"). The temp+
// rename dance keeps a crash mid-write from leaving a half-written record
// behind -- a reader always sees either the old file or the new one.
func SaveJSON(s Storage, dst string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Tagf(KindParseError, err, "marshal %s", dst)
	}
	tmp := dst + ".tmp"
	if err := s.WriteFile(tmp, data, 0o644); err != nil {
		return Tagf(KindIoMissing, err, "write %s", tmp)
	}
	if err := s.Rename(tmp, dst); err != nil {
		return Tagf(KindIoMissing, err, "rename %s", tmp)
	}
	return nil
}

// LoadJSON decodes src into v. A missing file is tagged KindIoMissing so
// callers (volume-manager, scheduler) can treat it as "not ready yet"
// rather than a corrupt-record fatal.
func LoadJSON(s Storage, src string, v any) error {
	data, err := s.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return Tagf(KindIoMissing, err, "read %s", src)
		}
		return Tagf(KindIoMissing, err, "read %s", src)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return Tagf(KindParseError, err, "unmarshal %s", src)
	}
	return nil
}
