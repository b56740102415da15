// Package srt receives MPEG-TS over SRT. Server accepts publishers in
// listener mode; Caller dials remote listeners and pulls from them. Both
// register what they receive with an ingest.Registry.
package srt
