// Package storage keeps the files a sandbox needs behind an afero
// filesystem: function bytecode under functions/<user>/<function>,
// shared modules under shared/ and data files under data/.
package storage
