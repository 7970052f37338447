package simpleindex

// RawFile is one entry in a Simple API "files" list (PEP 691), decoded
// as-is except for its "url" field, which Fetch resolves to an absolute
// URL before returning it.
type RawFile struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Hashes         map[string]string `json:"hashes"`
	RequiresPython string            `json:"requires-python"`
	Yanked         any               `json:"yanked"`
	UploadTime     string            `json:"upload-time"`
	Size           int64             `json:"size"`
}

// IsYanked reports whether the file was yanked. PEP 691 allows "yanked" to
// be either a bool or a non-empty string giving the reason; both forms
// count as yanked, and either a false bool or an absent field does not.
func (f RawFile) IsYanked() bool {
	switch v := f.Yanked.(type) {
	case bool:
		return v
	case string:
		return v != ""
	default:
		return false
	}
}

type meta struct {
	APIVersion string `json:"api-version"`
}

type simpleResponse struct {
	Meta  meta      `json:"meta"`
	Name  string    `json:"name"`
	Files []RawFile `json:"files"`
}

// Entry is one package's Simple API listing, resolved to absolute file
// URLs, cached for the lifetime of a run in engine.Engine.indexCache.
type Entry struct {
	Name  string
	Files []RawFile
}
