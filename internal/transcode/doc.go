// Package transcode invokes the external media tool to extract and optimize
// the audio track of a source file. The argument vector is fixed: no
// caller-controlled string is ever concatenated into a command line.
package transcode
