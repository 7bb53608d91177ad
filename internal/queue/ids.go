package queue

import gonanoid "github.com/matoous/go-nanoid/v2"

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newDeliveryID() string {
	return "dlv_" + gonanoid.MustGenerate(idAlphabet, 16)
}
