// Package app is the application context of polis-mta: it loads the
// configuration once, builds the component graph, drives the process
// lifecycle, and tears everything down again.
package app
