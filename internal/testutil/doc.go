// Package testutil contains helper builders and fakes used across tests to
// reduce boilerplate when constructing chunks and driving the runtime host
// without a real model provider. They are not intended for production usage.
package testutil
