// Package id provides ID generation helpers used across the hub.
package id

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 21

const (
	PrefixSession    = "sess"
	PrefixMessage    = "msg"
	PrefixDevice     = "dev"
	PrefixToolUse    = "tu"
	PrefixCorrection = "corr"
	PrefixAudioClip  = "clip"
)

func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewWithLength(prefix string, length int) string {
	id, err := nanoid.New(length)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewSession() string    { return New(PrefixSession) }
func NewMessage() string    { return New(PrefixMessage) }
func NewDevice() string     { return New(PrefixDevice) }
func NewToolUse() string    { return New(PrefixToolUse) }
func NewCorrection() string { return New(PrefixCorrection) }
func NewAudioClip() string  { return New(PrefixAudioClip) }
