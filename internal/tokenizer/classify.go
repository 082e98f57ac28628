package tokenizer

import (
	"unicode"
	"unicode/utf8"
)

const (
	classWord = iota
	classPunct
	classSpace
)

var asciiClass [utf8.RuneSelf]uint8

func init() {
	// [33, 47] ! " # $ % & ' ( ) * + , - . /
	// [58, 64] : ; < = > ? @
	// [91, 96] [ \ ] ^ _ `
	// [123, 126] { | } ~
	for i := 0; i < utf8.RuneSelf; i++ {
		if (i >= 33 && i <= 47) || (i >= 58 && i <= 64) || (i >= 91 && i <= 96) || (i >= 123 && i <= 126) {
			asciiClass[i] = classPunct
		}
		if i == 32 || (i >= 9 && i <= 13) {
			asciiClass[i] = classSpace
		}
	}
}

func classify(r rune) uint8 {
	if r < utf8.RuneSelf {
		return asciiClass[r]
	}
	switch {
	case unicode.IsSpace(r):
		return classSpace
	case unicode.IsPunct(r) || unicode.IsSymbol(r):
		return classPunct
	}
	return classWord
}
