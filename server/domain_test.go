// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDomainTableResolvesBySNI(t *testing.T) {
	a := NewDomain([]byte("a.example.com"), "/srv/a", &tls.Config{ServerName: "a"}, false)
	b := NewDomain([]byte("b.example.com"), "/srv/b", &tls.Config{ServerName: "b"}, false)
	c := NewDomain([]byte("c.example.com"), "/srv/c", &tls.Config{ServerName: "c"}, true)

	table, err := NewDomainTable([]*Domain{a, b, c})
	require.NoError(t, err)

	d, err := table.Resolve(nil)
	require.NoError(t, err)
	require.Same(t, c, d)

	d, err = table.Resolve([]byte("a.example.com"))
	require.NoError(t, err)
	require.Same(t, a, d)

	d, err = table.Resolve([]byte("b.example.com"))
	require.NoError(t, err)
	require.Same(t, b, d)

	_, err = table.Resolve([]byte("unknown.example.com"))
	require.ErrorIs(t, err, ErrNoSNIMatch)
}

func TestDomainTableDefaultsToFirstWhenUnmarked(t *testing.T) {
	a := NewDomain([]byte("a.example.com"), "/srv/a", &tls.Config{}, false)
	b := NewDomain([]byte("b.example.com"), "/srv/b", &tls.Config{}, false)

	table, err := NewDomainTable([]*Domain{a, b})
	require.NoError(t, err)
	require.Same(t, a, table.Default())
}

func TestDomainTableRejectsMultipleDefaults(t *testing.T) {
	a := NewDomain([]byte("a.example.com"), "/srv/a", &tls.Config{}, true)
	b := NewDomain([]byte("b.example.com"), "/srv/b", &tls.Config{}, true)

	_, err := NewDomainTable([]*Domain{a, b})
	require.ErrorIs(t, err, ErrDuplicateDefaultDomain)
}

func TestDomainTableRejectsEmptyArray(t *testing.T) {
	_, err := NewDomainTable(nil)
	require.ErrorIs(t, err, ErrEmptyDomainArray)
}

func TestDomainRegisterWSHandlerRejectsConflictingUserdata(t *testing.T) {
	d := NewDomain([]byte("a.example.com"), "/srv/a", &tls.Config{}, true)
	u1, u2 := "userdata-1", "userdata-2"

	require.NoError(t, d.RegisterWSHandler("/chat", &WSHandlerEntry{Userdata: u1}))
	require.NoError(t, d.RegisterWSHandler("/chat", &WSHandlerEntry{Userdata: u1}))
	require.Error(t, d.RegisterWSHandler("/chat", &WSHandlerEntry{Userdata: u2}))
}

func TestDomainWSHandlerForFallsBackToDefault(t *testing.T) {
	d := NewDomain([]byte("a.example.com"), "/srv/a", &tls.Config{}, true)
	def := &WSHandlerEntry{Userdata: "default"}
	d.DefaultWS = def

	require.Same(t, def, d.WSHandlerFor("/unregistered"))

	specific := &WSHandlerEntry{Userdata: "specific"}
	require.NoError(t, d.RegisterWSHandler("/chat", specific))
	require.Same(t, specific, d.WSHandlerFor("/chat"))
}
