// Package secure provides memory-safe handling of long-lived secrets: the
// software provider's root wrapping key, PKCS#11 PINs and TPM hierarchy
// passwords.
//
// It wraps memguard so secrets are encrypted at rest in memory
// (XSalsa20Poly1305), mlocked against swapping where the platform allows,
// and wiped on destruction. Access happens through short-lived windows:
//
//	buf, _ := secure.NewBuffer(material)
//	defer buf.Destroy()
//
//	err := buf.WithBytes(func(b []byte) error {
//	    return wrap(b, container)
//	})
//
// The plaintext exists only for the duration of the callback. Call
// memguard.Purge() on process shutdown to wipe every session buffer.
package secure
