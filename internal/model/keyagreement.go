package model

type (
	SenderKeyBundle struct {
		EKPriv       []byte
		RecipientPub []byte
	}

	ReceiverKeyBundle struct {
		ReceiverPriv []byte
		EKPub        []byte
	}
)
