package benchmark

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/TheMichaelB/tresor/internal/crypto"
	"github.com/TheMichaelB/tresor/test/testutil"
)

func registry(b *testing.B) *crypto.Registry {
	b.Helper()
	reg, err := crypto.NewDefaultRegistry(crypto.NewSystemRandom(), testutil.FastArgon2)
	if err != nil {
		b.Fatal(err)
	}
	return reg
}

func BenchmarkKeyDerivation(b *testing.B) {
	reg := registry(b)
	secret := crypto.HiddenString("correct horse battery staple")

	for _, id := range []string{"argon2id", "scrypt", "pbkdf2-sha256"} {
		b.Run(id, func(b *testing.B) {
			kdf, err := reg.KDF(id)
			if err != nil {
				b.Fatal(err)
			}
			params, err := kdf.NewParams(nil)
			if err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				key, err := kdf.DeriveKey(secret, params)
				if err != nil {
					b.Fatal(err)
				}
				key.Destroy()
			}
		})
	}
}

func BenchmarkSymmetric(b *testing.B) {
	reg := registry(b)
	sizes := []int{
		64,      // a password
		4096,    // a key file
		1048576, // 1MB attachment
	}

	for _, id := range []string{"aes-256-gcm", "xchacha20-poly1305"} {
		sym, err := reg.Symmetric(id)
		if err != nil {
			b.Fatal(err)
		}
		key, err := sym.GenerateKey()
		if err != nil {
			b.Fatal(err)
		}

		for _, size := range sizes {
			plaintext := make([]byte, size)
			rand.Read(plaintext)
			secret := crypto.NewHidden(plaintext)

			b.Run(fmt.Sprintf("%s/Encrypt/%dB", id, size), func(b *testing.B) {
				b.ReportAllocs()
				b.SetBytes(int64(size))
				for i := 0; i < b.N; i++ {
					if _, err := sym.Encrypt(secret, key); err != nil {
						b.Fatal(err)
					}
				}
			})

			ciphertext, err := sym.Encrypt(secret, key)
			if err != nil {
				b.Fatal(err)
			}
			b.Run(fmt.Sprintf("%s/Decrypt/%dB", id, size), func(b *testing.B) {
				b.ReportAllocs()
				b.SetBytes(int64(size))
				for i := 0; i < b.N; i++ {
					out, err := sym.Decrypt(ciphertext, key)
					if err != nil {
						b.Fatal(err)
					}
					out.Destroy()
				}
			})
		}
	}
}

func BenchmarkSealedBox(b *testing.B) {
	suite := testutil.NewSuite(b)
	pair, err := suite.Asymmetric.GenerateKeyPair()
	if err != nil {
		b.Fatal(err)
	}
	payloadKey, err := suite.Symmetric.GenerateKey()
	if err != nil {
		b.Fatal(err)
	}

	b.Run("GenerateKeyPair", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			kp, err := suite.Asymmetric.GenerateKeyPair()
			if err != nil {
				b.Fatal(err)
			}
			kp.Destroy()
		}
	})

	b.Run("Seal", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := suite.Asymmetric.Encrypt(payloadKey.Hidden(), pair.PublicKey); err != nil {
				b.Fatal(err)
			}
		}
	})

	sealed, err := suite.Asymmetric.Encrypt(payloadKey.Hidden(), pair.PublicKey)
	if err != nil {
		b.Fatal(err)
	}
	b.Run("Open", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			out, err := suite.Open(sealed, pair)
			if err != nil {
				b.Fatal(err)
			}
			out.Destroy()
		}
	})
}

func BenchmarkMAC(b *testing.B) {
	reg := registry(b)
	data := make([]byte, 512)
	rand.Read(data)
	key := crypto.NewKey(make([]byte, 32))

	for _, id := range []string{"hmac-sha256", "blake3-keyed"} {
		b.Run(id, func(b *testing.B) {
			mac, err := reg.MAC(id)
			if err != nil {
				b.Fatal(err)
			}
			b.ReportAllocs()
			b.SetBytes(int64(len(data)))
			for i := 0; i < b.N; i++ {
				if _, err := mac.Create(data, key); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkSecretSharing(b *testing.B) {
	suite := testutil.NewSuite(b)
	key, err := suite.Symmetric.GenerateKey()
	if err != nil {
		b.Fatal(err)
	}

	for _, tc := range []struct{ n, t int }{{3, 2}, {5, 3}, {10, 6}} {
		name := fmt.Sprintf("%dof%d", tc.t, tc.n)

		b.Run("Split/"+name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := suite.Sharing.Split(key.Hidden(), tc.n, tc.t); err != nil {
					b.Fatal(err)
				}
			}
		})

		shares, err := suite.Sharing.Split(key.Hidden(), tc.n, tc.t)
		if err != nil {
			b.Fatal(err)
		}
		b.Run("Recover/"+name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				out, err := suite.RecoverSecret(shares[:tc.t])
				if err != nil {
					b.Fatal(err)
				}
				out.Destroy()
			}
		})
	}
}

func BenchmarkConcurrentDecryption(b *testing.B) {
	suite := testutil.NewSuite(b)
	key, err := suite.Symmetric.GenerateKey()
	if err != nil {
		b.Fatal(err)
	}
	ciphertext, err := suite.Symmetric.Encrypt(crypto.HiddenString("hunter2hunter2"), key)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			out, err := suite.Decrypt(ciphertext, key)
			if err != nil {
				b.Fatal(err)
			}
			out.Destroy()
		}
	})
}
