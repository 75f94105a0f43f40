// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package worker

import (
	"bytes"
	"encoding/gob"
	"io"
	"io/ioutil"
)

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func newByteReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func readAll(r io.Reader) ([]byte, error) {
	return ioutil.ReadAll(r)
}
