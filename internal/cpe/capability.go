package cpe

import (
	"sort"
	"strconv"
	"strings"
)

// CapabilitySet неизменяемый набор согласованных расширений соединения.
// Нулевое значение соответствует базовому протоколу без расширений.
type CapabilitySet struct {
	versions map[string]int32
}

// Empty возвращает пустой набор (только базовый протокол)
func Empty() CapabilitySet {
	return CapabilitySet{}
}

// Negotiate пересекает списки сервера и клиента по имени, выбирая минимальную версию.
// Расширения с неположительной версией с любой стороны не включаются.
func Negotiate(server, client []Extension) CapabilitySet {
	offered := make(map[string]int32, len(server))
	for _, ext := range server {
		offered[ext.Name] = ext.Version
	}

	var versions map[string]int32
	for _, ext := range client {
		sv, ok := offered[ext.Name]
		if !ok {
			continue
		}
		v := ext.Version
		if sv < v {
			v = sv
		}
		if v <= 0 {
			continue
		}
		if versions == nil {
			versions = make(map[string]int32)
		}
		// Дубликаты в списке клиента: берём меньшую версию
		if prev, dup := versions[ext.Name]; dup && prev < v {
			v = prev
		}
		versions[ext.Name] = v
	}
	return CapabilitySet{versions: versions}
}

// without возвращает копию набора без указанного расширения
func (c CapabilitySet) without(name string) CapabilitySet {
	if !c.Has(name) {
		return c
	}
	versions := make(map[string]int32, len(c.versions))
	for n, v := range c.versions {
		if n != name {
			versions[n] = v
		}
	}
	return CapabilitySet{versions: versions}
}

// Has сообщает, согласовано ли расширение
func (c CapabilitySet) Has(name string) bool {
	_, ok := c.versions[name]
	return ok
}

// Version возвращает согласованную версию расширения или 0
func (c CapabilitySet) Version(name string) int32 {
	return c.versions[name]
}

// Len возвращает количество согласованных расширений
func (c CapabilitySet) Len() int {
	return len(c.versions)
}

// Extensions возвращает согласованные расширения, отсортированные по имени
func (c CapabilitySet) Extensions() []Extension {
	out := make([]Extension, 0, len(c.versions))
	for name, v := range c.versions {
		out = append(out, Extension{Name: name, Version: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Equal сравнивает два набора
func (c CapabilitySet) Equal(other CapabilitySet) bool {
	if len(c.versions) != len(other.versions) {
		return false
	}
	for name, v := range c.versions {
		if other.versions[name] != v {
			return false
		}
	}
	return true
}

// String возвращает набор в виде "A:1,B:1"
func (c CapabilitySet) String() string {
	exts := c.Extensions()
	if len(exts) == 0 {
		return "none"
	}
	parts := make([]string, len(exts))
	for i, ext := range exts {
		parts[i] = ext.Name + ":" + strconv.FormatInt(int64(ext.Version), 10)
	}
	return strings.Join(parts, ",")
}
