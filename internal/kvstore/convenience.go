package kvstore

// These wrap a single-operation Pipeline for callers that don't need to
// compose several primitives atomically.

func (s *Store) SetString(key string, value []byte) error {
	return s.Pipeline(func(tx *Tx) error { return tx.SetString(key, value) })
}

func (s *Store) GetString(key string) ([]byte, bool, error) {
	var v []byte
	var ok bool
	err := s.Pipeline(func(tx *Tx) error {
		var err error
		v, ok, err = tx.GetString(key)
		return err
	})
	return v, ok, err
}

func (s *Store) DelString(key string) error {
	return s.Pipeline(func(tx *Tx) error { return tx.DelString(key) })
}

func (s *Store) HSet(key, field string, value []byte) error {
	return s.Pipeline(func(tx *Tx) error { return tx.HSet(key, field, value) })
}

func (s *Store) HGet(key, field string) ([]byte, bool, error) {
	var v []byte
	var ok bool
	err := s.Pipeline(func(tx *Tx) error {
		var err error
		v, ok, err = tx.HGet(key, field)
		return err
	})
	return v, ok, err
}

func (s *Store) HGetAll(key string) (map[string][]byte, error) {
	var out map[string][]byte
	err := s.Pipeline(func(tx *Tx) error {
		var err error
		out, err = tx.HGetAll(key)
		return err
	})
	return out, err
}

func (s *Store) HDel(key, field string) error {
	return s.Pipeline(func(tx *Tx) error { return tx.HDel(key, field) })
}

func (s *Store) SAdd(key, member string) error {
	return s.Pipeline(func(tx *Tx) error { return tx.SAdd(key, member) })
}

func (s *Store) SRem(key, member string) error {
	return s.Pipeline(func(tx *Tx) error { return tx.SRem(key, member) })
}

func (s *Store) SIsMember(key, member string) (bool, error) {
	var ok bool
	err := s.Pipeline(func(tx *Tx) error {
		var err error
		ok, err = tx.SIsMember(key, member)
		return err
	})
	return ok, err
}

func (s *Store) SMembers(key string) ([]string, error) {
	var out []string
	err := s.Pipeline(func(tx *Tx) error {
		var err error
		out, err = tx.SMembers(key)
		return err
	})
	return out, err
}

func (s *Store) RPush(key string, value []byte) error {
	return s.Pipeline(func(tx *Tx) error { return tx.RPush(key, value) })
}

func (s *Store) LRange(key string) ([][]byte, error) {
	var out [][]byte
	err := s.Pipeline(func(tx *Tx) error {
		var err error
		out, err = tx.LRange(key)
		return err
	})
	return out, err
}

func (s *Store) Del(key string) error {
	return s.Pipeline(func(tx *Tx) error {
		if err := tx.DelString(key); err != nil {
			return err
		}
		if err := tx.HDelAll(key); err != nil {
			return err
		}
		if err := tx.DelList(key); err != nil {
			return err
		}
		return tx.DelTTL(key)
	})
}

// Publish queues payload for delivery to subscribers of channel.
func (s *Store) Publish(channel string, payload []byte) error {
	return s.Pipeline(func(tx *Tx) error { return tx.Publish(channel, payload) })
}
