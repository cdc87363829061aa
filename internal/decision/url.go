package decision

import "net/url"

// resolveAdURI makes segment URIs absolute against the playlist URL so
// spliced manifests never emit relative ad paths into a content
// playlist.
func resolveAdURI(playlistURL, segURI string) string {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return segURI
	}
	ref, err := url.Parse(segURI)
	if err != nil {
		return segURI
	}
	return base.ResolveReference(ref).String()
}
