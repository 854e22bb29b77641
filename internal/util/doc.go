// Package util holds small helpers shared by the server, handler and storage packages.
package util
