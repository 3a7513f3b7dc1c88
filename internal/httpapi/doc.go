// Package httpapi exposes a device group over HTTP with fiber.
package httpapi
