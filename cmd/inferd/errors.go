package main

import "errors"

var errNoModel = errors.New("no servable model found")
