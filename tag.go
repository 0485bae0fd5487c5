package xmsg

import (
	"reflect"
	"strconv"
)

// Tag is the stable identity of a message type. Handler matching and the
// subscription index compare tags by exact equality.
type Tag string

// Typed lets a payload declare its own tag instead of using its Go type name.
type Typed interface {
	MessageTag() Tag
}

var typedType = reflect.TypeFor[Typed]()

// TagOf returns the tag used for payloads of type T.
func TagOf[T any]() Tag {
	return tagOfType(reflect.TypeFor[T]())
}

// TagFor returns the tag of a payload value, or "" for a nil payload.
func TagFor(v any) Tag {
	if v == nil {
		return ""
	}
	if t, ok := v.(Typed); ok {
		if tag := safeMessageTag(t); tag != "" {
			return tag
		}
	}
	return tagOfType(reflect.TypeOf(v))
}

// BuildTag composes a "<topic>:<message>" tag from numeric identifiers.
func BuildTag(topicID, messageID int32) Tag {
	return Tag(strconv.Itoa(int(topicID)) + ":" + strconv.Itoa(int(messageID)))
}

func tagOfType(t reflect.Type) Tag {
	if t == nil {
		return ""
	}
	if t.Implements(typedType) {
		var sample reflect.Value
		if t.Kind() == reflect.Pointer {
			sample = reflect.New(t.Elem())
		} else {
			sample = reflect.Zero(t)
		}
		if typed, ok := sample.Interface().(Typed); ok {
			if tag := safeMessageTag(typed); tag != "" {
				return tag
			}
		}
	}
	return Tag(t.String())
}

// safeMessageTag guards against MessageTag implementations that dereference
// fields of a zero value.
func safeMessageTag(t Typed) (tag Tag) {
	defer func() {
		if r := recover(); r != nil {
			tag = ""
		}
	}()
	return t.MessageTag()
}
