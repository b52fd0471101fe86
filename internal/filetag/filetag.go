// Package filetag is the thin, deliberately out-of-core-scope
// collaborator spec.md §1/§6 calls out: setting a host file-type
// attribute on the written OMF load file. Apple IIgs file typing (e.g.
// ProDOS auxtype/filetype) has no equivalent on the hosts this linker
// actually runs on, so Set is a documented no-op everywhere except the
// interface it exposes to cmd/sn2omf.
package filetag

// Set applies tag (the linker's -t value, opaque to the core) to the
// file at path as a host file-type attribute. On every host this binary
// targets, file typing is not representable, so this is a no-op that
// always succeeds; a build targeting a host with a real typing
// side-channel would replace this function's body, not its signature.
func Set(path string, tag string) error {
	if tag == "" {
		return nil
	}
	return nil
}
