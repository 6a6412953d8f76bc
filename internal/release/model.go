package release

// ChecksumsFilename is the conventional name of the checksum manifest asset
// shipped alongside release binaries.
const ChecksumsFilename = "checksums.txt"

// Asset is a single downloadable file attached to a release.
type Asset struct {
	Name        string // filename as published upstream
	DownloadURL string
	Size        int64 // bytes as reported upstream, 0 if unknown
}

// Release is one upstream release and its assets. Releases are fetched
// fresh each sync pass; the persisted projection is the on-disk version
// directory.
type Release struct {
	Version Version
	Assets  []Asset
}

// ChecksumAsset returns the release's checksum manifest, if it ships one.
func (r Release) ChecksumAsset() (Asset, bool) {
	for _, a := range r.Assets {
		if a.Name == ChecksumsFilename {
			return a, true
		}
	}
	return Asset{}, false
}
