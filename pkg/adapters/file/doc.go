// Package file keeps process definitions, tokens and business objects on the local
// filesystem.
//
// Definitions live in a directory tree, one file per process:
//
//	<root>/<Process>.yaml          -> Process (no model)
//	<root>/<model>/<Process>.yaml  -> /<model>/Process
//
// .yml and .json files are accepted too. Tokens and objects are JSON files written
// atomically (temp file, fsync, rename).
package file
