// Package serialization encodes and decodes message bodies by content type.
//
// A Registry ships with codecs for "application/json", "text/plain" and a raw
// pass-through that also serves every unregistered type. Callers pick a
// content type per message by wrapping the body with WithContentType.
package serialization
