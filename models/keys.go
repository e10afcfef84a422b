package models

import "time"

type KeyStatus string

const (
	KeyStatusActive    KeyStatus = "active"
	KeyStatusDestroyed KeyStatus = "destroyed"
)

// KeyShareRecord holds one custodian's wrapped share. Only that custodian's
// private key can unwrap EncryptedShare.
type KeyShareRecord struct {
	CustodianID    string `json:"custodianId"`
	EncryptedShare []byte `json:"encryptedShare"`
	ShareIndex     int    `json:"shareIndex"`
}

type VotingSessionKeys struct {
	SessionID           string           `json:"sessionId"`
	Algorithm           string           `json:"algorithm"`
	PublicKey           string           `json:"publicKey"`
	Fingerprint         string           `json:"fingerprint"`
	EncryptedPrivateKey []byte           `json:"encryptedPrivateKey,omitempty"`
	KEKNonce            []byte           `json:"kekNonce,omitempty"`
	SharesTotal         int              `json:"sharesTotal"`
	SharesThreshold     int              `json:"sharesThreshold"`
	Commitments         [][]byte         `json:"commitments"` // VSS base point followed by polynomial commits
	Shares              []KeyShareRecord `json:"shares"`
	Status              KeyStatus        `json:"status"`
	CreatedAt           time.Time        `json:"createdAt"`
	ExpiresAt           time.Time        `json:"expiresAt,omitempty"`
	DestroyedAt         time.Time        `json:"destroyedAt,omitempty"`
}

// ShareFor returns the share record assigned to a custodian.
func (k *VotingSessionKeys) ShareFor(custodianID string) (*KeyShareRecord, bool) {
	for i := range k.Shares {
		if k.Shares[i].CustodianID == custodianID {
			return &k.Shares[i], true
		}
	}
	return nil, false
}

type KeyAccessAction string

const (
	KeyActionMint        KeyAccessAction = "mint"
	KeyActionSubmitShare KeyAccessAction = "submit_share"
	KeyActionReconstruct KeyAccessAction = "reconstruct"
	KeyActionDestroy     KeyAccessAction = "destroy"
)

type KeyAccessOutcome string

const (
	OutcomeSuccess KeyAccessOutcome = "success"
	OutcomeFailure KeyAccessOutcome = "failure"
)

// KeyAccessLog is append-only.
type KeyAccessLog struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"sessionId"`
	RequesterID string           `json:"requesterId"`
	Action      KeyAccessAction  `json:"action"`
	Outcome     KeyAccessOutcome `json:"outcome"`
	Reason      string           `json:"reason,omitempty"`
	At          time.Time        `json:"at"`
}
