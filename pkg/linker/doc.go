// Package linker maps external (method, subject) identities onto internal
// accounts.
//
// Lookup consults a positive-only expirable LRU cache before the account
// store. CreateMapping relies on the store's conditional insert, so any
// number of concurrent first logins for the same subject resolve to a single
// account. Whether a mapping may be created at all is decided per method by a
// Policy read from the runtime config.Source:
//
//	linking.<method>.auto_create  create a new account for an unseen subject
//	linking.<method>.allow_hint   attach the subject to a provider-supplied account
package linker
