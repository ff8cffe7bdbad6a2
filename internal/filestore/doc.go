// Package filestore keeps uploaded files in a single flat directory.
//
// The directory is the only source of truth: a listing is always a live scan,
// and a file's notes live next to it as <storedName>_notes.txt. Uploads are
// staged as hidden .upload-<uuid>.part files and only become visible once the
// whole batch has been received, so an interrupted request never shows up as
// a complete file.
package filestore
